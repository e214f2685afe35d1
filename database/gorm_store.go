package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"botwall-gateway/models"
)

// GormStore is the postgres Store. Balance exclusivity comes from
// conditional UPDATE ... RETURNING statements, never from in-process locks.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) FindCrawler(ctx context.Context, id string) (*models.Crawler, error) {
	var crawler models.Crawler
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&crawler).Error; err != nil {
		return nil, notFound(err)
	}
	return &crawler, nil
}

func (s *GormStore) FindSite(ctx context.Context, domain string) (*models.Site, error) {
	var site models.Site
	err := s.db.WithContext(ctx).
		Preload("Routes", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("domain = ?", domain).
		Take(&site).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &site, nil
}

func (s *GormStore) CreateCrawler(ctx context.Context, crawler *models.Crawler) error {
	if err := s.db.WithContext(ctx).Create(crawler).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *GormStore) CommitCrawl(ctx context.Context, charge Charge) (ChargeResult, error) {
	var result ChargeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		site, err := lockSite(tx, charge.Domain)
		if err != nil {
			return err
		}
		q := quoteFor(site, charge)
		result.Quote = q

		if charge.Free {
			result.Outcome = freeOutcome(q)
			if result.Outcome == OutcomeRepriced {
				return nil
			}
			result.Record = finishRecord(charge, q, result.Outcome, false)
			return writeRecord(tx, &result.Record)
		}

		if outcome := preliminaryOutcome(q, charge.Ceiling); outcome != "" {
			exists, balance, err := crawlerBalance(tx, charge.CrawlerID)
			if err != nil {
				return err
			}
			result.Outcome = outcome
			result.Balance = balance
			result.Record = finishRecord(charge, q, outcome, exists)
			return writeRecord(tx, &result.Record)
		}

		var balance int64
		res := tx.Raw(`UPDATE crawlers
			SET credit_balance = credit_balance - 1,
			    total_requests = total_requests + 1,
			    successful_requests = successful_requests + 1,
			    updated_at = NOW()
			WHERE id = ? AND credit_balance > 0
			RETURNING credit_balance`, charge.CrawlerID).Scan(&balance)
		if res.Error != nil {
			return fmt.Errorf("decrement credits: %w", res.Error)
		}

		if res.RowsAffected == 1 {
			result.Outcome = OutcomeCharged
			result.Balance = balance
			result.Record = finishRecord(charge, q, OutcomeCharged, true)
			if err := tx.Create(&result.Record).Error; err != nil {
				return fmt.Errorf("insert crawl record: %w", err)
			}
			return bumpSite(tx, q.SiteID, true, q.Price)
		}

		exists, balance, err := crawlerBalance(tx, charge.CrawlerID)
		if err != nil {
			return err
		}
		outcome := OutcomeInsufficient
		if !exists {
			outcome = OutcomeCrawlerNotFound
		}
		result.Outcome = outcome
		result.Balance = balance
		result.Record = finishRecord(charge, q, outcome, exists)
		return writeRecord(tx, &result.Record)
	})
	if err != nil {
		return ChargeResult{}, err
	}
	return result, nil
}

func (s *GormStore) RecordDecision(ctx context.Context, record *models.CrawlRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return writeRecord(tx, record)
	})
}

func (s *GormStore) AddCredits(ctx context.Context, crawlerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = increment(tx, crawlerID, amount)
		return err
	})
	return balance, err
}

func (s *GormStore) ApplyTopUp(ctx context.Context, topUp TopUp) (TopUpResult, error) {
	if topUp.Credits <= 0 {
		return TopUpResult{}, ErrInvalidAmount
	}
	var result TopUpResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := models.PaymentEvent{
			ExternalID: topUp.ExternalID,
			CrawlerID:  topUp.CrawlerID,
			Credits:    topUp.Credits,
			Source:     topUp.Source,
			Payload:    topUp.Payload,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
		if res.Error != nil {
			return fmt.Errorf("insert payment event: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var stored models.PaymentEvent
			if err := tx.Select("crawler_id").Where("external_id = ?", topUp.ExternalID).Take(&stored).Error; err != nil {
				return fmt.Errorf("read payment event: %w", err)
			}
			if stored.CrawlerID != topUp.CrawlerID {
				return fmt.Errorf("%w: payment %s was settled for another crawler", ErrConflict, topUp.ExternalID)
			}
			exists, balance, err := crawlerBalance(tx, topUp.CrawlerID)
			if err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			result.Balance = balance
			return nil
		}

		balance, err := increment(tx, topUp.CrawlerID, topUp.Credits)
		if err != nil {
			return err
		}
		result = TopUpResult{Balance: balance, Applied: true}
		return nil
	})
	if err != nil {
		return TopUpResult{}, err
	}
	return result, nil
}

func lockSite(tx *gorm.DB, domain string) (*models.Site, error) {
	var site models.Site
	err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Where("domain = ?", domain).Take(&site).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read site: %w", err)
	}
	if err := tx.Where("site_id = ?", site.ID).Order("position").Find(&site.Routes).Error; err != nil {
		return nil, fmt.Errorf("read site routes: %w", err)
	}
	return &site, nil
}

func crawlerBalance(tx *gorm.DB, id string) (bool, int64, error) {
	if id == "" {
		return false, 0, nil
	}
	var balance int64
	res := tx.Raw(`SELECT credit_balance FROM crawlers WHERE id = ?`, id).Scan(&balance)
	if res.Error != nil {
		return false, 0, fmt.Errorf("read balance: %w", res.Error)
	}
	return res.RowsAffected == 1, balance, nil
}

func increment(tx *gorm.DB, id string, amount int64) (int64, error) {
	var balance int64
	res := tx.Raw(`UPDATE crawlers
		SET credit_balance = credit_balance + ?, updated_at = NOW()
		WHERE id = ?
		RETURNING credit_balance`, amount, id).Scan(&balance)
	if res.Error != nil {
		return 0, fmt.Errorf("increment credits: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	return balance, nil
}

// writeRecord inserts a record and moves the counters of whichever
// identities it references.
func writeRecord(tx *gorm.DB, record *models.CrawlRecord) error {
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("insert crawl record: %w", err)
	}
	success := record.Status == models.CrawlSuccess
	if record.CrawlerID != nil {
		successful := 0
		if success {
			successful = 1
		}
		if err := tx.Exec(`UPDATE crawlers
			SET total_requests = total_requests + 1,
			    successful_requests = successful_requests + ?,
			    updated_at = NOW()
			WHERE id = ?`, successful, *record.CrawlerID).Error; err != nil {
			return fmt.Errorf("update crawler counters: %w", err)
		}
	}
	earned := decimal.Zero
	if success {
		earned = record.Price
	}
	return bumpSite(tx, record.SiteID, success, earned)
}

func bumpSite(tx *gorm.DB, siteID *string, success bool, earned decimal.Decimal) error {
	if siteID == nil {
		return nil
	}
	successful := 0
	if success {
		successful = 1
	}
	if err := tx.Exec(`UPDATE sites
		SET total_requests = total_requests + 1,
		    successful_requests = successful_requests + ?,
		    earnings = earnings + ?,
		    updated_at = NOW()
		WHERE id = ?`, successful, earned, *siteID).Error; err != nil {
		return fmt.Errorf("update site counters: %w", err)
	}
	return nil
}
