package routes

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"botwall-gateway/controllers"
	"botwall-gateway/middlewares"
)

type Options struct {
	JWTSecret string
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// OriginURL enables gate mode: non-API traffic is admitted by the crawl
	// gate and proxied to this origin.
	OriginURL string
}

// Register wires all HTTP routes.
func Register(app *fiber.App, h *controllers.Handler, opts Options) {
	app.Get("/health", h.Health)
	if opts.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")

	// Public endpoints (registered before the protected group's middleware)
	api.Post("/verify", h.Verify)
	api.Post("/crawlers/register", h.RegisterCrawler)
	api.Post("/crawlers/balance", h.GetCrawlerBalance)
	api.Get("/crawlers/:crawlerId/public-key", h.GetCrawlerPublicKey)
	api.Get("/sites/:domain/pricing", h.GetSitePricing)
	api.Post("/payments/webhook", h.HandlePaymentWebhook)

	// Protected endpoints (JWT auth)
	protected := api.Group("")
	protected.Use(middlewares.IsAuthenticatedHeader(opts.JWTSecret))

	// Idempotency guard FIRST (not tied to request TX)
	protected.Use(middlewares.Idempotency(h.DB))

	// Credits (operators only). Settlement runs its own ledger transaction, so
	// this route is registered ahead of the request transaction.
	protected.Post("/crawlers/:crawlerId/credits", middlewares.RequireRole(middlewares.RoleAdmin), h.GrantCredits)

	// Then the per-request transaction (commits/rolls back, runs after-commit hooks)
	protected.Use(middlewares.Tx(h.DB, h.Log))

	// Sites
	protected.Post("/sites", h.CreateSite)
	protected.Put("/sites/:id", h.UpdateSite)
	protected.Get("/sites/:id/crawls", h.ListCrawls)

	if opts.OriginURL == "" {
		return
	}
	origin := strings.TrimRight(opts.OriginURL, "/")
	app.Use(middlewares.CrawlGate(h.Gateway))
	app.All("/*", func(c *fiber.Ctx) error {
		// RequestURI is path+query even for absolute-form request lines
		return proxy.Do(c, origin+string(c.Request().URI().RequestURI()))
	})
}
