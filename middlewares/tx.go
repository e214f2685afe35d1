package middlewares

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"botwall-gateway/logger"
)

const afterCommitKey = "afterCommit"

// Tx opens a per-request DB transaction for mutating handlers.
// Order: run AFTER IsAuthenticatedHeader() and AFTER Idempotency() (so
// idempotency records aren't tied to the handler TX).
// Handlers reach it via database.FromContext(c, db).
func Tx(db *gorm.DB, log logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead {
			return c.Next()
		}

		tx := db.WithContext(c.UserContext()).Begin()
		if tx.Error != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to begin transaction")
		}

		defer func() {
			if r := recover(); r != nil {
				_ = tx.Rollback()
				panic(r) // re-panic after rollback so Fiber's handler can catch
			}
			if err != nil || c.Response().StatusCode() >= fiber.StatusBadRequest {
				_ = tx.Rollback()
				return
			}
			if e := tx.Commit().Error; e != nil {
				log.Error("tx commit failed", logger.Error(e))
				err = fiber.NewError(fiber.StatusInternalServerError, "transaction commit failed")
				return
			}
			hooks, _ := c.Locals(afterCommitKey).([]func())
			for _, fn := range hooks {
				fn()
			}
		}()

		c.Locals("tx", tx)

		err = c.Next()
		return err
	}
}

// AfterCommit schedules fn to run once the request transaction commits.
// Without a transaction it runs immediately.
func AfterCommit(c *fiber.Ctx, fn func()) {
	if c.Locals("tx") == nil {
		fn()
		return
	}
	hooks, _ := c.Locals(afterCommitKey).([]func())
	c.Locals(afterCommitKey, append(hooks, fn))
}
