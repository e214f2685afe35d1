package database

import (
	"fmt"

	"gorm.io/gorm"

	"botwall-gateway/models"
)

// Migrate applies idempotent schema migrations:
// - AutoMigrate (tables/columns)
// - Money column types
// - Indexes
// - Foreign keys for crawl_records
// - CHECK constraints (balance never negative)
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.Crawler{},
			&models.Site{},
			&models.SiteRoute{},
			&models.CrawlRecord{},
			&models.PaymentEvent{},
			&models.IdempotencyKey{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		alters := []string{
			`ALTER TABLE sites         ALTER COLUMN price_per_crawl SET DEFAULT 0.01`,
			`ALTER TABLE sites         ALTER COLUMN earnings        SET DEFAULT 0`,
			`ALTER TABLE crawlers      ALTER COLUMN credit_balance  SET DEFAULT 0`,
			`ALTER TABLE crawl_records ALTER COLUMN declared_headers SET DEFAULT '{}'::jsonb`,
		}
		for _, stmt := range alters {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("column migration failed on: %s - %w", stmt, err)
			}
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_crawl_records_crawler_timestamp ON crawl_records (crawler_id, timestamp DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_payment_events_crawler_created ON payment_events (crawler_id, created_at)`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}

		// Deleting a crawler cascades to its history; deleting a site keeps
		// the audit rows with a null site.
		fks := []string{
			constraintOnce("crawl_records", "fk_crawl_records_crawler",
				`FOREIGN KEY (crawler_id) REFERENCES crawlers(id) ON DELETE CASCADE`),
			constraintOnce("crawl_records", "fk_crawl_records_site",
				`FOREIGN KEY (site_id) REFERENCES sites(id) ON DELETE SET NULL`),
			constraintOnce("payment_events", "fk_payment_events_crawler",
				`FOREIGN KEY (crawler_id) REFERENCES crawlers(id) ON DELETE CASCADE`),
		}
		for _, stmt := range fks {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("foreign key migration failed: %w", err)
			}
		}

		checks := []string{
			constraintOnce("crawlers", "chk_crawlers_credit_balance_nonneg", `CHECK (credit_balance >= 0)`),
			constraintOnce("sites", "chk_sites_price_nonneg", `CHECK (price_per_crawl >= 0)`),
			constraintOnce("site_routes", "chk_site_routes_price_nonneg", `CHECK (price IS NULL OR price >= 0)`),
			constraintOnce("crawl_records", "chk_crawl_records_status",
				`CHECK (status IN ('success', 'failed', 'blocked'))`),
			constraintOnce("payment_events", "chk_payment_events_credits_pos", `CHECK (credits > 0)`),
		}
		for _, stmt := range checks {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("check constraint migration failed: %w", err)
			}
		}

		return nil
	})
}

// constraintOnce wraps ADD CONSTRAINT in a DO block so reruns are no-ops.
func constraintOnce(table, name, definition string) string {
	return fmt.Sprintf(`DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_constraint
		WHERE conrelid = '%s'::regclass
		  AND conname  = '%s'
	) THEN
		ALTER TABLE %s ADD CONSTRAINT %s %s;
	END IF;
END $$;`, table, name, table, name, definition)
}
