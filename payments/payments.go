// Package payments settles purchases into the credit ledger. Every event is
// keyed by its external id so redelivery cannot credit twice.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/datatypes"

	"botwall-gateway/database"
	"botwall-gateway/logger"
)

const (
	EventOrderCreated = "order_created"

	SourceWebhook = "webhook"
	SourceManual  = "manual"
)

var (
	ErrNotConfigured    = errors.New("webhook secret not configured")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidEvent     = errors.New("invalid webhook event")
)

type Settler interface {
	Settle(ctx context.Context, topUp database.TopUp) (database.TopUpResult, error)
}

// Event is the subset of the provider's order payload we act on.
type Event struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			CrawlerID string  `json:"crawler_id"`
			Credits   Credits `json:"credits"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Credits accepts both 100 and "100"; checkout custom data arrives as strings.
type Credits int64

func (c *Credits) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("credits: %w", err)
	}
	*c = Credits(n)
	return nil
}

type Result struct {
	Ignored    bool   `json:"ignored"`
	Applied    bool   `json:"applied"`
	CrawlerID  string `json:"crawler_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Balance    int64  `json:"balance"`
}

type Processor struct {
	settler Settler
	secret  []byte
	log     logger.Logger
}

func NewProcessor(settler Settler, secret string, log logger.Logger) *Processor {
	if log == nil {
		log = logger.NewNop()
	}
	return &Processor{settler: settler, secret: []byte(secret), log: log}
}

// Sign returns the hex HMAC-SHA256 of body, as the provider computes it.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *Processor) VerifySignature(body []byte, signature string) error {
	if len(p.secret) == 0 {
		return ErrNotConfigured
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(Sign(p.secret, body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}

// HandleWebhook verifies, parses and settles one delivery. Events other
// than order_created are acknowledged and ignored.
func (p *Processor) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if err := p.VerifySignature(body, signature); err != nil {
		return Result{}, err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if ev.Meta.EventName != EventOrderCreated {
		p.log.Info("payments: event ignored", logger.String("event", ev.Meta.EventName))
		return Result{Ignored: true}, nil
	}

	crawlerID := strings.TrimSpace(ev.Meta.CustomData.CrawlerID)
	credits := int64(ev.Meta.CustomData.Credits)
	externalID := strings.TrimSpace(ev.Data.ID)
	if crawlerID == "" || externalID == "" || credits <= 0 {
		return Result{}, fmt.Errorf("%w: missing crawler_id, credits or order id", ErrInvalidEvent)
	}

	res, err := p.settler.Settle(ctx, database.TopUp{
		ExternalID: externalID,
		CrawlerID:  crawlerID,
		Credits:    credits,
		Source:     SourceWebhook,
		Payload:    datatypes.JSON(body),
	})
	if err != nil {
		return Result{}, err
	}

	p.log.Info("payments: order settled",
		logger.String("crawler_id", crawlerID),
		logger.String("external_id", externalID),
		logger.Int64("credits", credits),
		logger.Bool("applied", res.Applied))
	return Result{Applied: res.Applied, CrawlerID: crawlerID, ExternalID: externalID, Balance: res.Balance}, nil
}

// Grant is the operator path for manual credits; key plays the role of the
// external id.
func (p *Processor) Grant(ctx context.Context, crawlerID string, credits int64, key string) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, fmt.Errorf("%w: idempotency key required", ErrInvalidEvent)
	}
	externalID := SourceManual + ":" + key
	res, err := p.settler.Settle(ctx, database.TopUp{
		ExternalID: externalID,
		CrawlerID:  crawlerID,
		Credits:    credits,
		Source:     SourceManual,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Applied: res.Applied, CrawlerID: crawlerID, ExternalID: externalID, Balance: res.Balance}, nil
}
