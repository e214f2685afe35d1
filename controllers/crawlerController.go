package controllers

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"

	"botwall-gateway/database"
	"botwall-gateway/logger"
	"botwall-gateway/middlewares"
	"botwall-gateway/models"
	"botwall-gateway/registry"
	"botwall-gateway/signature"
)

type RegisterCrawlerInput struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	DeveloperID string `json:"developer_id" validate:"required,max=128"`
	UsageReason string `json:"usage_reason" validate:"max=500"`
}

type BalanceInput struct {
	CrawlerID string `json:"crawler_id" validate:"required"`
	APIKey    string `json:"api_key" validate:"required"`
}

type GrantCreditsInput struct {
	Credits int64 `json:"credits" validate:"required,min=1"`
}

// RegisterCrawler creates a crawler identity. The private key and API key
// are returned once and never stored.
func (h *Handler) RegisterCrawler(c *fiber.Ctx) error {
	var in RegisterCrawlerInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}

	keys, err := signature.GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	apiKey, err := newAPIKey()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	crawler := models.Crawler{
		Name:        in.Name,
		DeveloperID: in.DeveloperID,
		UsageReason: in.UsageReason,
		PublicKey:   keys.PublicKey,
		APIKeyHash:  hash,
	}
	if err := h.Store.CreateCrawler(c.UserContext(), &crawler); err != nil {
		return err
	}

	h.Log.Info("crawler registered",
		logger.String("crawler_id", crawler.ID),
		logger.String("developer_id", crawler.DeveloperID),
	)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":     "store the private key and API key now; they are not shown again",
		"crawler_id":  crawler.ID,
		"name":        crawler.Name,
		"public_key":  keys.PublicKey,
		"private_key": keys.PrivateKey,
		"api_key":     apiKey,
	})
}

func (h *Handler) GetCrawlerPublicKey(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("crawlerId"))
	key, err := h.Registry.GetCrawlerPublicKey(c.UserContext(), id)
	if errors.Is(err, registry.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "crawler not found")
	}
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "registry unavailable")
	}
	return c.JSON(fiber.Map{"crawler_id": id, "public_key": key})
}

// GetCrawlerBalance authenticates with the crawler's API key.
func (h *Handler) GetCrawlerBalance(c *fiber.Ctx) error {
	var in BalanceInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}

	crawler, err := h.Store.FindCrawler(c.UserContext(), in.CrawlerID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}
	if crawler == nil || bcrypt.CompareHashAndPassword(crawler.APIKeyHash, []byte(in.APIKey)) != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid crawler id or API key")
	}

	return c.JSON(fiber.Map{
		"crawler_id":          crawler.ID,
		"credit_balance":      crawler.CreditBalance,
		"total_requests":      crawler.TotalRequests,
		"successful_requests": crawler.SuccessfulRequests,
	})
}

// GrantCredits is the admin path for manual credits. Idempotency-Key is
// mandatory and doubles as the settlement id.
func (h *Handler) GrantCredits(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Get(middlewares.IdempotencyHeader))
	if key == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key header required")
	}
	var in GrantCreditsInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}

	res, err := h.Payments.Grant(c.UserContext(), c.Params("crawlerId"), in.Credits, key)
	if err != nil {
		return err
	}
	status := fiber.StatusCreated
	if !res.Applied {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"crawler_id":     res.CrawlerID,
		"applied":        res.Applied,
		"credit_balance": res.Balance,
	})
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "bw_" + hex.EncodeToString(b), nil
}
