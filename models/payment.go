package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentEvent marks an external settlement as applied. The external id is
// the primary key so a redelivered event cannot credit twice.
type PaymentEvent struct {
	ExternalID string         `json:"external_id" gorm:"primaryKey;size:128"`
	CrawlerID  string         `json:"crawler_id" gorm:"size:64;not null;index"`
	Credits    int64          `json:"credits" gorm:"not null"`
	Source     string         `json:"source" gorm:"size:32"` // "webhook" | "manual"
	Payload    datatypes.JSON `json:"-" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"created_at"`
}
