package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CrawlStatus string

const (
	CrawlSuccess CrawlStatus = "success"
	CrawlFailed  CrawlStatus = "failed"
	CrawlBlocked CrawlStatus = "blocked"
)

// CrawlRecord is the immutable audit fact of one admission decision.
// CrawlerID and SiteID stay nil when the identity could not be resolved.
type CrawlRecord struct {
	ID              string          `json:"id" gorm:"primaryKey;size:36"`
	CrawlerID       *string         `json:"crawler_id" gorm:"size:64;index"`
	SiteID          *string         `json:"site_id" gorm:"size:64;index:idx_crawl_records_site_timestamp,priority:1"`
	Domain          string          `json:"domain" gorm:"size:255"`
	Path            string          `json:"path" gorm:"not null"`
	UserAgent       string          `json:"user_agent"`
	DeclaredHeaders datatypes.JSON  `json:"declared_headers" gorm:"type:jsonb"`
	Status          CrawlStatus     `json:"status" gorm:"type:varchar(16);not null;index"`
	Reason          string          `json:"reason" gorm:"size:32"`
	Price           decimal.Decimal `json:"price" gorm:"type:numeric(12,4);not null"`
	Timestamp       time.Time       `json:"timestamp" gorm:"not null;index:idx_crawl_records_site_timestamp,priority:2"`
}

func (record *CrawlRecord) BeforeCreate(tx *gorm.DB) (err error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	return
}
