package database

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"botwall-gateway/models"
)

// MemoryStore is a Store over mutex-guarded maps. It backs tests and local
// runs without postgres. The mutex only ever guards memory, never I/O.
type MemoryStore struct {
	mu       sync.Mutex
	crawlers map[string]*models.Crawler
	sites    map[string]*models.Site
	records  []models.CrawlRecord
	payments map[string]models.PaymentEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		crawlers: make(map[string]*models.Crawler),
		sites:    make(map[string]*models.Site),
		payments: make(map[string]models.PaymentEvent),
	}
}

// PutSite inserts or replaces a site keyed by its domain.
func (s *MemoryStore) PutSite(site models.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	site.Routes = slices.Clone(site.Routes)
	s.sites[site.Domain] = &site
}

// Records returns a copy of every CrawlRecord written so far.
func (s *MemoryStore) Records() []models.CrawlRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// Site returns a snapshot of the site for domain.
func (s *MemoryStore) Site(domain string) (models.Site, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[domain]
	if !ok {
		return models.Site{}, false
	}
	return *site, true
}

func (s *MemoryStore) FindCrawler(ctx context.Context, id string) (*models.Crawler, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawlers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) FindSite(ctx context.Context, domain string) (*models.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[domain]
	if !ok {
		return nil, ErrNotFound
	}
	out := *site
	out.Routes = slices.Clone(site.Routes)
	return &out, nil
}

func (s *MemoryStore) CreateCrawler(ctx context.Context, crawler *models.Crawler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if crawler.ID == "" {
		crawler.ID = uuid.NewString()
	}
	if _, ok := s.crawlers[crawler.ID]; ok {
		return ErrDuplicate
	}
	now := time.Now().UTC()
	crawler.CreatedAt, crawler.UpdatedAt = now, now
	c := *crawler
	s.crawlers[c.ID] = &c
	return nil
}

func (s *MemoryStore) CommitCrawl(ctx context.Context, charge Charge) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	q := quoteFor(s.sites[charge.Domain], charge)
	if charge.Free {
		result := ChargeResult{Outcome: freeOutcome(q), Quote: q}
		if result.Outcome != OutcomeRepriced {
			result.Record = finishRecord(charge, q, result.Outcome, false)
			s.appendRecord(&result.Record)
		}
		return result, nil
	}

	crawler, exists := s.crawlers[charge.CrawlerID]

	outcome := preliminaryOutcome(q, charge.Ceiling)
	if outcome == "" {
		switch {
		case !exists:
			outcome = OutcomeCrawlerNotFound
		case crawler.CreditBalance > 0:
			crawler.CreditBalance--
			outcome = OutcomeCharged
		default:
			outcome = OutcomeInsufficient
		}
	}

	result := ChargeResult{Outcome: outcome, Quote: q}
	if exists {
		result.Balance = crawler.CreditBalance
	}
	result.Record = finishRecord(charge, q, outcome, exists)
	s.appendRecord(&result.Record)
	return result, nil
}

func (s *MemoryStore) RecordDecision(ctx context.Context, record *models.CrawlRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendRecord(record)
	return nil
}

func (s *MemoryStore) AddCredits(ctx context.Context, crawlerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawlers[crawlerID]
	if !ok {
		return 0, ErrNotFound
	}
	c.CreditBalance += amount
	return c.CreditBalance, nil
}

func (s *MemoryStore) ApplyTopUp(ctx context.Context, topUp TopUp) (TopUpResult, error) {
	if topUp.Credits <= 0 {
		return TopUpResult{}, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return TopUpResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.crawlers[topUp.CrawlerID]
	if !ok {
		return TopUpResult{}, ErrNotFound
	}
	if stored, seen := s.payments[topUp.ExternalID]; seen {
		if stored.CrawlerID != topUp.CrawlerID {
			return TopUpResult{}, fmt.Errorf("%w: payment %s was settled for another crawler", ErrConflict, topUp.ExternalID)
		}
		return TopUpResult{Balance: c.CreditBalance}, nil
	}
	s.payments[topUp.ExternalID] = models.PaymentEvent{
		ExternalID: topUp.ExternalID,
		CrawlerID:  topUp.CrawlerID,
		Credits:    topUp.Credits,
		Source:     topUp.Source,
		Payload:    topUp.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	c.CreditBalance += topUp.Credits
	return TopUpResult{Balance: c.CreditBalance, Applied: true}, nil
}

// appendRecord must be called with mu held.
func (s *MemoryStore) appendRecord(record *models.CrawlRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	s.records = append(s.records, *record)

	success := record.Status == models.CrawlSuccess
	if record.CrawlerID != nil {
		if c, ok := s.crawlers[*record.CrawlerID]; ok {
			c.TotalRequests++
			if success {
				c.SuccessfulRequests++
			}
		}
	}
	if record.SiteID == nil {
		return
	}
	for _, site := range s.sites {
		if site.ID != *record.SiteID {
			continue
		}
		site.TotalRequests++
		if success {
			site.SuccessfulRequests++
			site.Earnings = site.Earnings.Add(record.Price)
		}
	}
}
