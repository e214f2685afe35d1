package middlewares

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"botwall-gateway/database"
	"botwall-gateway/logger"
)

// ErrorHandler centralizes error responses and keeps messages sanitized.
func ErrorHandler(log logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		// 1) Fiber errors (use their status code + message)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"message": fe.Message})
		}

		// 2) Validation errors (422 + per-field info)
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			out := make(map[string]string, len(ve))
			for _, fe := range ve {
				out[fe.Field()] = fe.Tag()
			}
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"message": "validation failed",
				"errors":  out,
			})
		}

		// 3) Store sentinels
		switch {
		case errors.Is(err, database.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"message": "not found"})
		case errors.Is(err, database.ErrConflict):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "conflicts with an existing record"})
		case errors.Is(err, database.ErrDuplicate):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"message": "already exists"})
		}

		// 4) Unknown errors (500)
		log.Error("internal error", logger.String("path", c.Path()), logger.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "internal server error",
		})
	}
}
