package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"botwall-gateway/config"
	"botwall-gateway/controllers"
	"botwall-gateway/database"
	"botwall-gateway/gateway"
	"botwall-gateway/ledger"
	"botwall-gateway/logger"
	"botwall-gateway/metrics"
	"botwall-gateway/middlewares"
	"botwall-gateway/payments"
	"botwall-gateway/registry"
	"botwall-gateway/routes"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			db, err := database.Connect(cfg.Database.DSN())
			if err != nil {
				return err
			}
			if migrate {
				if err := database.Migrate(db); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg, log, db)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply schema migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, log logger.Logger, db *gorm.DB) error {
	var cache registry.Cache
	client, err := registry.NewRedisClient(cfg.Redis)
	switch {
	case errors.Is(err, registry.ErrEmptyAddress):
		log.Info("registry cache disabled")
	case err != nil:
		return err
	default:
		defer client.Close()
		cache = registry.NewRedisCache(client, "botwall:")
	}

	app := newApp(cfg, log, db, cache, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", logger.String("port", cfg.Port), logger.Bool("gate_mode", cfg.OriginURL != ""))
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}

// newApp assembles the fiber application from its collaborators.
func newApp(
	cfg config.Config,
	log logger.Logger,
	db *gorm.DB,
	cache registry.Cache,
	reg prometheus.Registerer,
	gatherer prometheus.Gatherer,
) *fiber.App {
	m := metrics.New(reg)
	store := database.NewGormStore(db)

	identities := registry.New(store, registry.Options{
		Cache:        cache,
		TTL:          cfg.CacheTTL,
		Timeout:      cfg.LookupTimeout,
		DefaultPrice: cfg.DefaultPrice,
		Logger:       log,
		Metrics:      m,
	})
	credits := ledger.New(store, cfg.LedgerTimeout, m)

	h := &controllers.Handler{
		DB:       db,
		Store:    store,
		Registry: identities,
		Gateway: gateway.NewController(
			gateway.NewClassifier(cfg.Matchers),
			identities,
			credits,
			store,
			gateway.Options{
				DefaultPrice:  cfg.DefaultPrice,
				RecordTimeout: cfg.LedgerTimeout,
				Logger:        log,
				Metrics:       m,
			},
		),
		Payments: payments.NewProcessor(credits, cfg.WebhookSecret, log),
		Log:      log,
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.ErrorHandler(log),
		BodyLimit:    cfg.BodyLimitBytes,
	})
	app.Use(recover.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Idempotency-Key, X-Signature",
		ExposeHeaders:    "crawler-price, crawler-charged, crawler-credits-remaining, Idempotent-Replayed",
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitMax,
		Expiration: cfg.RateLimitWindow,
	}))

	routes.Register(app, h, routes.Options{
		JWTSecret: cfg.JWTSecret,
		Gatherer:  gatherer,
		OriginURL: cfg.OriginURL,
	})
	return app
}
