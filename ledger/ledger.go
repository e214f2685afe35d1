// Package ledger is the credit ledger: an atomic check-and-decrement per
// admitted crawl and increments driven only by payment settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botwall-gateway/database"
	"botwall-gateway/metrics"
)

var ErrUpstream = errors.New("ledger unavailable")

// Ledger bounds every store call by Timeout. Exclusivity lives in the store
// (conditional update inside one transaction), so Ledger holds no locks.
type Ledger struct {
	store   database.Store
	timeout time.Duration
	metrics *metrics.Metrics
}

func New(store database.Store, timeout time.Duration, m *metrics.Metrics) *Ledger {
	return &Ledger{store: store, timeout: timeout, metrics: m}
}

// TryDecrement takes one credit for an admitted crawl and writes its record
// in the same transaction. Failures wrap ErrUpstream and never mean "allowed".
func (l *Ledger) TryDecrement(ctx context.Context, charge database.Charge) (database.ChargeResult, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	res, err := l.store.CommitCrawl(ctx, charge)
	if err != nil {
		return database.ChargeResult{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if res.Outcome == database.OutcomeCharged {
		l.metrics.CreditConsumed()
	}
	return res, nil
}

// ConfirmFree re-checks a zero-priced admission under the store transaction
// and records it. OutcomeRepriced means the caller must run the paid path.
func (l *Ledger) ConfirmFree(ctx context.Context, charge database.Charge) (database.ChargeResult, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	charge.Free = true
	charge.CrawlerID = ""
	res, err := l.store.CommitCrawl(ctx, charge)
	if err != nil {
		return database.ChargeResult{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return res, nil
}

// Increment adds amount credits. Callers outside payment settlement should
// go through Settle so the external id deduplicates.
func (l *Ledger) Increment(ctx context.Context, crawlerID string, amount int64) (int64, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	balance, err := l.store.AddCredits(ctx, crawlerID, amount)
	if err != nil {
		return 0, err
	}
	l.metrics.CreditGranted("direct", amount)
	return balance, nil
}

// Settle applies a purchase exactly once per external id.
func (l *Ledger) Settle(ctx context.Context, topUp database.TopUp) (database.TopUpResult, error) {
	ctx, cancel := l.bound(ctx)
	defer cancel()

	res, err := l.store.ApplyTopUp(ctx, topUp)
	if err != nil {
		return database.TopUpResult{}, err
	}
	if res.Applied {
		l.metrics.CreditGranted(topUp.Source, topUp.Credits)
	}
	return res, nil
}

func (l *Ledger) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}
