// Package database is the persistence collaborator of the gateway: the Store
// contract plus its postgres and in-memory implementations.
package database

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"botwall-gateway/models"
	"botwall-gateway/pricing"
)

// Store is what the admission pipeline and the payment collaborator need
// from persistence. Every method that writes a CrawlRecord also moves the
// Crawler and Site counters in the same transaction.
type Store interface {
	FindCrawler(ctx context.Context, id string) (*models.Crawler, error)
	// FindSite returns the site for domain with its routes ordered by position.
	FindSite(ctx context.Context, domain string) (*models.Site, error)
	CreateCrawler(ctx context.Context, crawler *models.Crawler) error

	// CommitCrawl is the ledger stage of one admission: it re-resolves the
	// price under the transaction, conditionally decrements one credit and
	// writes the single CrawlRecord for the decision.
	CommitCrawl(ctx context.Context, charge Charge) (ChargeResult, error)
	// RecordDecision writes the CrawlRecord of a decision taken before the
	// ledger stage.
	RecordDecision(ctx context.Context, record *models.CrawlRecord) error

	AddCredits(ctx context.Context, crawlerID string, amount int64) (int64, error)
	ApplyTopUp(ctx context.Context, topUp TopUp) (TopUpResult, error)
}

// Charge carries an admitted request into the ledger stage. Record is the
// prototype of the audit row; the store fills status, reason, price and site.
type Charge struct {
	CrawlerID    string
	Domain       string
	Path         string
	Ceiling      decimal.Decimal
	DefaultPrice decimal.Decimal
	Record       models.CrawlRecord
	// Free confirms an admission the caller priced at zero without verifying
	// the crawler. The store records it only if the path is still free or is
	// now blocked; otherwise it writes nothing and reports OutcomeRepriced.
	Free bool
}

type ChargeOutcome string

const (
	OutcomeCharged         ChargeOutcome = "success"
	OutcomeFree            ChargeOutcome = "free"
	OutcomeInsufficient    ChargeOutcome = "insufficient_credits"
	OutcomeBlocked         ChargeOutcome = "blocked"
	OutcomePriceTooLow     ChargeOutcome = "price_too_low"
	OutcomeCrawlerNotFound ChargeOutcome = "not_found"
	// OutcomeRepriced means a Free charge found the path monetized. No
	// record was written.
	OutcomeRepriced ChargeOutcome = "repriced"
)

// Status is the CrawlRecord status written for the outcome.
func (o ChargeOutcome) Status() models.CrawlStatus {
	switch o {
	case OutcomeCharged, OutcomeFree:
		return models.CrawlSuccess
	case OutcomeInsufficient:
		return models.CrawlFailed
	default:
		return models.CrawlBlocked
	}
}

type ChargeResult struct {
	Outcome ChargeOutcome
	// Balance after the decrement, or the current balance when insufficient.
	Balance int64
	// Quote is the authoritative pricing read inside the transaction.
	Quote  pricing.Quote
	Record models.CrawlRecord
}

// TopUp is one settled purchase. ExternalID deduplicates redelivery.
type TopUp struct {
	ExternalID string
	CrawlerID  string
	Credits    int64
	Source     string
	Payload    datatypes.JSON
}

type TopUpResult struct {
	Balance int64
	// Applied is false when ExternalID was already processed.
	Applied bool
}

// quoteFor resolves pricing from rows read under the ledger transaction.
func quoteFor(site *models.Site, charge Charge) pricing.Quote {
	if site == nil {
		return pricing.DefaultQuote(charge.Domain, charge.DefaultPrice)
	}
	return pricing.Resolve(site, site.Routes, charge.Path)
}

// preliminaryOutcome decides everything that does not depend on the balance.
// The empty outcome means a credit must be taken.
func preliminaryOutcome(q pricing.Quote, ceiling decimal.Decimal) ChargeOutcome {
	switch {
	case q.Blocked:
		return OutcomeBlocked
	case !q.Monetized:
		return OutcomeFree
	case !pricing.Negotiate(ceiling, q.Price).Allowed:
		return OutcomePriceTooLow
	}
	return ""
}

// freeOutcome is preliminaryOutcome for Free charges.
func freeOutcome(q pricing.Quote) ChargeOutcome {
	switch {
	case q.Blocked:
		return OutcomeBlocked
	case !q.Monetized:
		return OutcomeFree
	}
	return OutcomeRepriced
}

func finishRecord(charge Charge, q pricing.Quote, outcome ChargeOutcome, crawlerKnown bool) models.CrawlRecord {
	rec := charge.Record
	rec.Domain = charge.Domain
	rec.Path = charge.Path
	rec.SiteID = q.SiteID
	rec.Status = outcome.Status()
	rec.Reason = string(outcome)
	rec.Price = q.Price
	if outcome == OutcomeFree {
		rec.Price = decimal.Zero
	}
	if crawlerKnown {
		id := charge.CrawlerID
		rec.CrawlerID = &id
	} else {
		rec.CrawlerID = nil
	}
	return rec
}
