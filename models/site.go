package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Site struct {
	ID                 string          `json:"id" gorm:"primaryKey;size:64"`
	OwnerID            string          `json:"owner_id" gorm:"size:128;not null;index"`
	Name               string          `json:"name" gorm:"not null"`
	Domain             string          `json:"domain" gorm:"size:255;not null;uniqueIndex"`
	PricePerCrawl      decimal.Decimal `json:"price_per_crawl" gorm:"type:numeric(12,4);not null"`
	Blocked            bool            `json:"blocked" gorm:"not null"`
	Earnings           decimal.Decimal `json:"earnings" gorm:"type:numeric(14,4);not null"`
	TotalRequests      int64           `json:"total_requests" gorm:"not null"`
	SuccessfulRequests int64           `json:"successful_requests" gorm:"not null"`
	Routes             []SiteRoute     `json:"routes" gorm:"foreignKey:SiteID;constraint:OnDelete:CASCADE"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (site *Site) BeforeCreate(tx *gorm.DB) (err error) {
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	return
}

// SiteRoute is one monetized (or blocked) glob pattern of a site. Routes are
// evaluated in Position order and the first match wins.
type SiteRoute struct {
	ID       uint                `json:"id" gorm:"primaryKey"`
	SiteID   string              `json:"-" gorm:"size:64;not null;index:idx_site_routes_site_position,priority:1"`
	Position int                 `json:"position" gorm:"not null;index:idx_site_routes_site_position,priority:2"`
	Pattern  string              `json:"pattern" gorm:"size:255;not null"`
	Price    decimal.NullDecimal `json:"price" gorm:"type:numeric(12,4)"`
	Blocked  bool                `json:"blocked" gorm:"not null"`
}
