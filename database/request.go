package database

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// FromContext returns the DB handle for the current request: the
// per-request transaction when middlewares.Tx opened one, else db bound to
// the request context.
func FromContext(c *fiber.Ctx, db *gorm.DB) *gorm.DB {
	if v := c.Locals("tx"); v != nil {
		if tx, ok := v.(*gorm.DB); ok && tx != nil {
			return tx
		}
	}
	return db.WithContext(c.UserContext())
}
