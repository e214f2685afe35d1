package controllers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"botwall-gateway/database"
	"botwall-gateway/logger"
	"botwall-gateway/middlewares"
	"botwall-gateway/models"
	"botwall-gateway/pricing"
	"botwall-gateway/utils"
)

type RouteInput struct {
	Pattern string           `json:"pattern" validate:"required,max=255"`
	Price   *decimal.Decimal `json:"price"`
	Blocked bool             `json:"blocked"`
}

type CreateSiteInput struct {
	Name          string           `json:"name" validate:"required,max=255"`
	Domain        string           `json:"domain" validate:"required,max=255"`
	PricePerCrawl *decimal.Decimal `json:"price_per_crawl"`
	Blocked       bool             `json:"blocked"`
	Routes        []RouteInput     `json:"routes" validate:"omitempty,dive"`
}

type UpdateSiteInput struct {
	Name          *string          `json:"name" validate:"omitempty,max=255"`
	PricePerCrawl *decimal.Decimal `json:"price_per_crawl"`
	Blocked       *bool            `json:"blocked"`
	Routes        *[]RouteInput    `json:"routes" validate:"omitempty,dive"`
}

func (h *Handler) CreateSite(c *fiber.Ctx) error {
	var in CreateSiteInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}

	domain := utils.NormalizeDomain(in.Domain)
	if domain == "unknown" {
		return fiber.NewError(fiber.StatusBadRequest, "invalid domain")
	}
	price := pricing.DefaultPrice
	if in.PricePerCrawl != nil {
		price = *in.PricePerCrawl
	}
	if price.IsNegative() {
		return fiber.NewError(fiber.StatusBadRequest, "price_per_crawl must not be negative")
	}
	routes, err := buildRoutes(in.Routes)
	if err != nil {
		return err
	}

	site := models.Site{
		OwnerID:       middlewares.OwnerID(c),
		Name:          strings.TrimSpace(in.Name),
		Domain:        domain,
		PricePerCrawl: utils.RoundPrice(price),
		Blocked:       in.Blocked,
		Routes:        routes,
	}

	tx := database.FromContext(c, h.DB)
	if err := tx.Create(&site).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fiber.NewError(fiber.StatusConflict, "domain already registered")
		}
		return err
	}

	h.invalidateAfterCommit(c, domain)
	return c.Status(fiber.StatusCreated).JSON(site)
}

// UpdateSite patches a site. A routes array replaces the whole route list.
func (h *Handler) UpdateSite(c *fiber.Ctx) error {
	var in UpdateSiteInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	if in.PricePerCrawl != nil && in.PricePerCrawl.IsNegative() {
		return fiber.NewError(fiber.StatusBadRequest, "price_per_crawl must not be negative")
	}

	tx := database.FromContext(c, h.DB)

	var site models.Site
	q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", c.Params("id"))
	if !middlewares.IsAdmin(c) {
		q = q.Where("owner_id = ?", middlewares.OwnerID(c))
	}
	if err := q.First(&site).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "site not found")
		}
		return err
	}

	updates := utils.UpdatesFromPtrDTO(&in, nil)
	delete(updates, "routes")
	if name, ok := updates["name"].(string); ok {
		updates["name"] = strings.TrimSpace(name)
	}
	if len(updates) > 0 {
		if err := tx.Model(&site).Updates(updates).Error; err != nil {
			return err
		}
	}

	if in.Routes != nil {
		routes, err := buildRoutes(*in.Routes)
		if err != nil {
			return err
		}
		if err := tx.Where("site_id = ?", site.ID).Delete(&models.SiteRoute{}).Error; err != nil {
			return err
		}
		for i := range routes {
			routes[i].SiteID = site.ID
		}
		if len(routes) > 0 {
			if err := tx.Create(&routes).Error; err != nil {
				return err
			}
		}
	}

	if err := tx.Preload("Routes", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&site, "id = ?", site.ID).Error; err != nil {
		return err
	}

	h.invalidateAfterCommit(c, site.Domain)
	return c.JSON(site)
}

// GetSitePricing is the public price lookup for a domain and path.
func (h *Handler) GetSitePricing(c *fiber.Ctx) error {
	domain := utils.NormalizeDomain(c.Params("domain"))
	path := c.Query("path", "/")

	q, err := h.Registry.GetSitePricing(c.UserContext(), domain, path)
	if err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "registry unavailable")
	}
	return c.JSON(fiber.Map{
		"domain":    domain,
		"path":      path,
		"site_id":   q.SiteID,
		"price":     utils.FormatPrice(q.Price),
		"blocked":   q.Blocked,
		"monetized": q.Monetized,
	})
}

// ListCrawls returns a page of crawl records for an owned site, newest first.
func (h *Handler) ListCrawls(c *fiber.Ctx) error {
	db := database.FromContext(c, h.DB)

	q := db.Model(&models.Site{}).Where("id = ?", c.Params("id"))
	if !middlewares.IsAdmin(c) {
		q = q.Where("owner_id = ?", middlewares.OwnerID(c))
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fiber.NewError(fiber.StatusNotFound, "site not found")
	}

	limit, offset := utils.Page(c.Query("limit"), c.Query("offset"), 50, 200)
	var records []models.CrawlRecord
	if err := db.Where("site_id = ?", c.Params("id")).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *Handler) invalidateAfterCommit(c *fiber.Ctx, domain string) {
	if h.Registry == nil {
		return
	}
	middlewares.AfterCommit(c, func() {
		if err := h.Registry.InvalidateSite(context.Background(), domain); err != nil {
			h.Log.Warn("site cache invalidation failed",
				logger.String("domain", domain),
				logger.Error(err))
		}
	})
}

func buildRoutes(in []RouteInput) ([]models.SiteRoute, error) {
	routes := make([]models.SiteRoute, 0, len(in))
	for i, r := range in {
		route := models.SiteRoute{
			Position: i,
			Pattern:  strings.TrimSpace(r.Pattern),
			Blocked:  r.Blocked,
		}
		if r.Price != nil {
			if r.Price.IsNegative() {
				return nil, fiber.NewError(fiber.StatusBadRequest, "route price must not be negative")
			}
			route.Price = decimal.NewNullDecimal(utils.RoundPrice(*r.Price))
		}
		routes = append(routes, route)
	}
	return routes, nil
}
