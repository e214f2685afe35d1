// Package gateway is the admission controller: it classifies a request and,
// for crawlers, drives pricing, identity, signature, negotiation and the
// ledger to a single decision with exactly one audit record.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"botwall-gateway/database"
	"botwall-gateway/logger"
	"botwall-gateway/metrics"
	"botwall-gateway/models"
	"botwall-gateway/pricing"
	"botwall-gateway/registry"
	"botwall-gateway/signature"
)

// Registry is the identity registry as seen by the controller.
type Registry interface {
	GetCrawlerPublicKey(ctx context.Context, crawlerID string) (string, error)
	GetSitePricing(ctx context.Context, domain, path string) (pricing.Quote, error)
}

type Ledger interface {
	TryDecrement(ctx context.Context, charge database.Charge) (database.ChargeResult, error)
	ConfirmFree(ctx context.Context, charge database.Charge) (database.ChargeResult, error)
}

// Recorder persists records of decisions taken before the ledger stage.
type Recorder interface {
	RecordDecision(ctx context.Context, record *models.CrawlRecord) error
}

// Request is the transport-neutral view of one inbound request.
type Request struct {
	Domain    string
	Path      string
	UserAgent string
	Headers   signature.Headers
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// Agent is the matcher name for user-agent classified crawlers.
	Agent string
	// CrawlerID is the declared identity; empty for ordinary requests.
	CrawlerID string
	// RequiredPrice is set on PriceTooLow.
	RequiredPrice *decimal.Decimal
	// Charged is the price accrued to the site on a charged admission.
	Charged decimal.Decimal
	// Balance is the remaining credit balance when the ledger was consulted.
	Balance *int64
	Record  *models.CrawlRecord
}

type Options struct {
	DefaultPrice decimal.Decimal
	// RecordTimeout bounds audit writes made outside the ledger transaction.
	RecordTimeout time.Duration
	Logger        logger.Logger
	Metrics       *metrics.Metrics
}

type Controller struct {
	classifier *Classifier
	registry   Registry
	ledger     Ledger
	recorder   Recorder
	opts       Options
}

func NewController(classifier *Classifier, reg Registry, ledger Ledger, recorder Recorder, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 3 * time.Second
	}
	return &Controller{
		classifier: classifier,
		registry:   reg,
		ledger:     ledger,
		recorder:   recorder,
		opts:       opts,
	}
}

// Decide never returns an error: every failure becomes a denial reason, and
// ordinary requests pass through without side effects.
func (c *Controller) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	cls := c.classifier.Classify(req.Headers, req.UserAgent)
	if !cls.Crawler {
		c.opts.Logger.Debug("ordinary request", logger.String("domain", req.Domain), logger.String("path", req.Path))
		return Decision{Allowed: true, Reason: ReasonOrdinary}
	}

	d := c.admit(ctx, req)
	d.Agent = cls.Agent
	c.observe(req, d, time.Since(start))
	return d
}

func (c *Controller) admit(ctx context.Context, req Request) Decision {
	crawlerID := req.Headers.Get(signature.HeaderCrawlerID)
	proto := models.CrawlRecord{
		Domain:          req.Domain,
		Path:            req.Path,
		UserAgent:       req.UserAgent,
		DeclaredHeaders: declaredHeaders(req.Headers),
	}
	base := Decision{CrawlerID: crawlerID}

	quote, err := c.registry.GetSitePricing(ctx, req.Domain, req.Path)
	if err != nil {
		c.opts.Logger.Warn("gateway: site lookup failed", logger.String("domain", req.Domain), logger.Error(err))
		return c.deny(ctx, base, proto, ReasonUpstreamError, decimal.Zero)
	}
	proto.SiteID = quote.SiteID

	if quote.Blocked {
		return c.deny(ctx, base, proto, ReasonBlocked, quote.Price)
	}
	if !quote.Monetized {
		// a cached quote may be stale; the store re-resolves it
		res, err := c.ledger.ConfirmFree(ctx, database.Charge{
			Domain:       req.Domain,
			Path:         req.Path,
			DefaultPrice: c.opts.DefaultPrice,
			Record:       proto,
		})
		if err != nil {
			c.opts.Logger.Error("gateway: free admission failed", logger.String("domain", req.Domain), logger.Error(err))
			return c.deny(ctx, base, proto, ReasonUpstreamError, decimal.Zero)
		}
		if res.Outcome != database.OutcomeRepriced {
			d := ledgerDecision(base, res)
			d.Balance = nil
			return d
		}
		quote = res.Quote
		proto.SiteID = quote.SiteID
	}

	publicKey, err := c.registry.GetCrawlerPublicKey(ctx, crawlerID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return c.deny(ctx, base, proto, ReasonNotFound, quote.Price)
	case err != nil:
		c.opts.Logger.Warn("gateway: crawler lookup failed", logger.String("crawler_id", crawlerID), logger.Error(err))
		return c.deny(ctx, base, proto, ReasonUpstreamError, quote.Price)
	}
	proto.CrawlerID = &crawlerID

	names := signature.ParseInput(req.Headers.Get(signature.HeaderSignatureInput))
	if !signature.VerifyEncoded(names, req.Headers, req.Headers.Get(signature.HeaderSignature), publicKey) {
		return c.deny(ctx, base, proto, ReasonUnauthorized, quote.Price)
	}

	ceiling, err := pricing.ParseCeiling(req.Headers.Get(signature.HeaderMaxPrice))
	if err != nil {
		return c.deny(ctx, base, proto, ReasonUnauthorized, quote.Price)
	}
	if n := pricing.Negotiate(ceiling, quote.Price); !n.Allowed {
		d := c.deny(ctx, base, proto, ReasonPriceTooLow, n.RequiredPrice)
		d.RequiredPrice = &n.RequiredPrice
		return d
	}

	res, err := c.ledger.TryDecrement(ctx, database.Charge{
		CrawlerID:    crawlerID,
		Domain:       req.Domain,
		Path:         req.Path,
		Ceiling:      ceiling,
		DefaultPrice: c.opts.DefaultPrice,
		Record:       proto,
	})
	if err != nil {
		c.opts.Logger.Error("gateway: ledger failed", logger.String("crawler_id", crawlerID), logger.Error(err))
		return c.deny(ctx, base, proto, ReasonUpstreamError, quote.Price)
	}
	return ledgerDecision(base, res)
}

func ledgerDecision(d Decision, res database.ChargeResult) Decision {
	rec := res.Record
	balance := res.Balance
	d.Record = &rec
	d.Balance = &balance

	switch res.Outcome {
	case database.OutcomeCharged:
		d.Allowed, d.Reason, d.Charged = true, ReasonCharged, res.Quote.Price
	case database.OutcomeFree:
		d.Allowed, d.Reason = true, ReasonFree
	case database.OutcomeInsufficient:
		d.Reason = ReasonInsufficientCredits
	case database.OutcomeBlocked:
		d.Reason = ReasonBlocked
	case database.OutcomePriceTooLow:
		price := res.Quote.Price
		d.Reason, d.RequiredPrice = ReasonPriceTooLow, &price
	case database.OutcomeCrawlerNotFound:
		d.Reason = ReasonNotFound
	default:
		d.Reason = ReasonUpstreamError
	}
	return d
}

func (c *Controller) deny(ctx context.Context, d Decision, rec models.CrawlRecord, reason Reason, price decimal.Decimal) Decision {
	rec.Status = models.CrawlBlocked
	rec.Reason = string(reason)
	rec.Price = price
	d.Reason = reason
	if err := c.record(ctx, &rec); err != nil {
		c.opts.Logger.Error("gateway: record write failed",
			logger.String("reason", string(reason)), logger.Error(err))
		return d
	}
	d.Record = &rec
	return d
}

// record survives cancellation of the inbound request.
func (c *Controller) record(ctx context.Context, rec *models.CrawlRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RecordTimeout)
	defer cancel()
	return c.recorder.RecordDecision(ctx, rec)
}

func (c *Controller) observe(req Request, d Decision, elapsed time.Duration) {
	status := ""
	recordID := ""
	siteID := ""
	price := decimal.Zero
	if d.Record != nil {
		status = string(d.Record.Status)
		recordID = d.Record.ID
		price = d.Record.Price
		if d.Record.SiteID != nil {
			siteID = *d.Record.SiteID
		}
	}
	c.opts.Metrics.ObserveDecision(string(d.Reason), status, elapsed)

	fields := []logger.Field{
		logger.String("reason", string(d.Reason)),
		logger.String("status", status),
		logger.String("crawler_id", d.CrawlerID),
		logger.String("site_id", siteID),
		logger.String("domain", req.Domain),
		logger.String("path", req.Path),
		logger.Stringer("price", price),
		logger.String("record_id", recordID),
		logger.Duration("duration", elapsed),
	}
	if d.Agent != "" {
		fields = append(fields, logger.String("agent", d.Agent))
	}
	if d.Balance != nil {
		fields = append(fields, logger.Int64("balance", *d.Balance))
	}
	c.opts.Logger.Info("admission decision", fields...)
}

// declaredHeaders captures the identity headers and every header named in
// signature-input. The signature itself is not stored.
func declaredHeaders(h signature.Headers) datatypes.JSON {
	out := map[string]string{}
	for _, name := range []string{signature.HeaderCrawlerID, signature.HeaderMaxPrice, signature.HeaderSignatureInput} {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	for _, name := range signature.ParseInput(h.Get(signature.HeaderSignatureInput)) {
		out[name] = h.Get(name)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
