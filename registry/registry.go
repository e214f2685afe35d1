// Package registry resolves crawler public keys and site pricing, with an
// optional read-through cache.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"botwall-gateway/database"
	"botwall-gateway/logger"
	"botwall-gateway/metrics"
	"botwall-gateway/models"
	"botwall-gateway/pricing"
)

var (
	ErrNotFound = errors.New("not found")
	ErrUpstream = errors.New("registry unavailable")
)

type Options struct {
	// Cache may be nil to disable caching.
	Cache        Cache
	TTL          time.Duration
	Timeout      time.Duration
	DefaultPrice decimal.Decimal
	Logger       logger.Logger
	Metrics      *metrics.Metrics
}

type Registry struct {
	store   database.Store
	opts    Options
	flights singleflight.Group
}

func New(store database.Store, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Registry{store: store, opts: opts}
}

// cachedSite distinguishes "no site for this domain" from a cache miss.
type cachedSite struct {
	Found bool         `json:"found"`
	Site  *models.Site `json:"site,omitempty"`
}

// GetCrawlerPublicKey returns the stored (encoded) public key. Keys are
// immutable after registration, so a cached key never goes stale.
func (r *Registry) GetCrawlerPublicKey(ctx context.Context, crawlerID string) (string, error) {
	if crawlerID == "" {
		return "", ErrNotFound
	}
	key := "crawler:" + crawlerID

	v, err, _ := r.flights.Do(key, func() (any, error) {
		ctx, cancel := r.bound(ctx)
		defer cancel()

		if raw, ok := r.cacheGet(ctx, "crawler", key); ok {
			return string(raw), nil
		}
		crawler, err := r.store.FindCrawler(ctx, crawlerID)
		if err != nil {
			return nil, r.lookupErr("crawler", err)
		}
		r.cacheSet(ctx, key, []byte(crawler.PublicKey))
		return crawler.PublicKey, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetSitePricing resolves the quote for domain+path. Unknown domains get the
// default price rather than an error.
func (r *Registry) GetSitePricing(ctx context.Context, domain, path string) (pricing.Quote, error) {
	key := "site:" + domain

	v, err, _ := r.flights.Do(key, func() (any, error) {
		ctx, cancel := r.bound(ctx)
		defer cancel()

		if raw, ok := r.cacheGet(ctx, "site", key); ok {
			var cs cachedSite
			if err := json.Unmarshal(raw, &cs); err == nil {
				return cs, nil
			}
			r.opts.Logger.Warn("registry: discarding undecodable cache entry", logger.String("key", key))
		}

		site, err := r.store.FindSite(ctx, domain)
		cs := cachedSite{Found: err == nil, Site: site}
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, r.lookupErr("site", err)
		}
		if raw, err := json.Marshal(cs); err == nil {
			r.cacheSet(ctx, key, raw)
		}
		return cs, nil
	})
	if err != nil {
		return pricing.Quote{}, err
	}

	cs := v.(cachedSite)
	if !cs.Found {
		return pricing.DefaultQuote(domain, r.opts.DefaultPrice), nil
	}
	return pricing.Resolve(cs.Site, cs.Site.Routes, path), nil
}

// InvalidateSite drops the cached configuration of domain. Management calls
// it after committing a change.
func (r *Registry) InvalidateSite(ctx context.Context, domain string) error {
	if r.opts.Cache == nil {
		return nil
	}
	return r.opts.Cache.Delete(ctx, "site:"+domain)
}

// InvalidateCrawler drops a cached public key, e.g. after a registration
// reused an id.
func (r *Registry) InvalidateCrawler(ctx context.Context, crawlerID string) error {
	if r.opts.Cache == nil {
		return nil
	}
	return r.opts.Cache.Delete(ctx, "crawler:"+crawlerID)
}

// bound detaches the flight from the first caller's cancellation so that
// callers sharing it are not failed by someone else's disconnect.
func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if r.opts.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func (r *Registry) lookupErr(kind string, err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s lookup: %w", ErrUpstream, kind, err)
}

// Cache failures degrade to a store read.
func (r *Registry) cacheGet(ctx context.Context, kind, key string) ([]byte, bool) {
	if r.opts.Cache == nil {
		return nil, false
	}
	raw, ok, err := r.opts.Cache.Get(ctx, key)
	switch {
	case err != nil:
		r.opts.Metrics.CacheResult(kind, "error")
		r.opts.Logger.Warn("registry: cache read failed", logger.String("key", key), logger.Error(err))
		return nil, false
	case !ok:
		r.opts.Metrics.CacheResult(kind, "miss")
		return nil, false
	}
	r.opts.Metrics.CacheResult(kind, "hit")
	return raw, true
}

func (r *Registry) cacheSet(ctx context.Context, key string, value []byte) {
	if r.opts.Cache == nil {
		return
	}
	if err := r.opts.Cache.Set(ctx, key, value, r.opts.TTL); err != nil {
		r.opts.Logger.Warn("registry: cache write failed", logger.String("key", key), logger.Error(err))
	}
}
