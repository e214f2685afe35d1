package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Crawler is a registered automated client. Only the public half of its
// Ed25519 key pair is ever stored.
type Crawler struct {
	ID                 string    `json:"crawler_id" gorm:"primaryKey;size:64"`
	Name               string    `json:"name" gorm:"not null"`
	DeveloperID        string    `json:"developer_id" gorm:"size:128;index"`
	UsageReason        string    `json:"usage_reason"`
	PublicKey          string    `json:"public_key" gorm:"not null"`
	APIKeyHash         []byte    `json:"-"`
	CreditBalance      int64     `json:"credit_balance" gorm:"not null"`
	TotalRequests      int64     `json:"total_requests" gorm:"not null"`
	SuccessfulRequests int64     `json:"successful_requests" gorm:"not null"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (crawler *Crawler) BeforeCreate(tx *gorm.DB) (err error) {
	if crawler.ID == "" {
		crawler.ID = uuid.NewString()
	}
	return
}
