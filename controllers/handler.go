package controllers

import (
	"gorm.io/gorm"

	"botwall-gateway/database"
	"botwall-gateway/gateway"
	"botwall-gateway/logger"
	"botwall-gateway/payments"
	"botwall-gateway/registry"
)

// Handler carries the dependencies shared by all HTTP handlers.
type Handler struct {
	DB       *gorm.DB
	Store    database.Store
	Gateway  *gateway.Controller
	Registry *registry.Registry
	Payments *payments.Processor
	Log      logger.Logger
}
