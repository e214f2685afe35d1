package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"botwall-gateway/database"
	"botwall-gateway/payments"
)

// HandlePaymentWebhook settles a provider delivery. Redeliveries are
// acknowledged without crediting again.
func (h *Handler) HandlePaymentWebhook(c *fiber.Ctx) error {
	res, err := h.Payments.HandleWebhook(c.UserContext(), c.Body(), c.Get("X-Signature"))
	switch {
	case errors.Is(err, payments.ErrNotConfigured):
		return fiber.NewError(fiber.StatusInternalServerError, "webhook secret not set")
	case errors.Is(err, payments.ErrInvalidSignature):
		return fiber.NewError(fiber.StatusBadRequest, "invalid signature")
	case errors.Is(err, payments.ErrInvalidEvent):
		return fiber.NewError(fiber.StatusBadRequest, "invalid event payload")
	case errors.Is(err, database.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, "order already settled for another crawler")
	case errors.Is(err, database.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, "crawler not found")
	case err != nil:
		return err
	}

	switch {
	case res.Ignored:
		return c.JSON(fiber.Map{"message": "event ignored"})
	case !res.Applied:
		return c.JSON(fiber.Map{"message": "already processed"})
	}
	return c.JSON(fiber.Map{
		"message":        "webhook processed",
		"crawler_id":     res.CrawlerID,
		"credit_balance": res.Balance,
	})
}
