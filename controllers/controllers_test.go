package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"botwall-gateway/config"
	"botwall-gateway/database"
	"botwall-gateway/gateway"
	"botwall-gateway/ledger"
	"botwall-gateway/logger"
	"botwall-gateway/middlewares"
	"botwall-gateway/models"
	"botwall-gateway/payments"
	"botwall-gateway/registry"
	"botwall-gateway/signature"
)

const webhookSecret = "whsec"

type fixture struct {
	app     *fiber.App
	store   *database.MemoryStore
	keys    signature.KeyPair
	crawler string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := database.NewMemoryStore()
	keys, err := signature.GenerateKeyPair(nil)
	require.NoError(t, err)
	c := &models.Crawler{Name: "acme", PublicKey: keys.PublicKey, CreditBalance: 2}
	require.NoError(t, store.CreateCrawler(context.Background(), c))
	store.PutSite(models.Site{ID: "s-news", Domain: "news.example", PricePerCrawl: decimal.RequireFromString("0.05")})
	store.PutSite(models.Site{ID: "s-closed", Domain: "closed.example", PricePerCrawl: decimal.RequireFromString("0.05"), Blocked: true})
	store.PutSite(models.Site{
		ID: "s-docs", Domain: "docs.example", PricePerCrawl: decimal.RequireFromString("0.02"),
		Routes: []models.SiteRoute{{Position: 0, Pattern: "/api/*", Price: decimal.NewNullDecimal(decimal.RequireFromString("0.10"))}},
	})

	price := decimal.RequireFromString("0.01")
	reg := registry.New(store, registry.Options{DefaultPrice: price})
	led := ledger.New(store, time.Second, nil)
	h := &Handler{
		Store:    store,
		Registry: reg,
		Gateway: gateway.NewController(
			gateway.NewClassifier(config.DefaultMatchers),
			reg, led, store,
			gateway.Options{DefaultPrice: price},
		),
		Payments: payments.NewProcessor(led, webhookSecret, logger.NewNop()),
		Log:      logger.NewNop(),
	}

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler(logger.NewNop())})
	app.Post("/api/verify", h.Verify)
	app.Post("/api/crawlers/register", h.RegisterCrawler)
	app.Post("/api/crawlers/balance", h.GetCrawlerBalance)
	app.Get("/api/crawlers/:crawlerId/public-key", h.GetCrawlerPublicKey)
	app.Post("/api/crawlers/:crawlerId/credits", h.GrantCredits)
	app.Post("/api/payments/webhook", h.HandlePaymentWebhook)
	app.Get("/api/sites/:domain/pricing", h.GetSitePricing)
	app.Get("/health", h.Health)
	return &fixture{app: app, store: store, keys: keys, crawler: c.ID}
}

func do(t *testing.T, app *fiber.App, method, target, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (f *fixture) verifyBody(t *testing.T, domain, path, maxPrice string, tamper bool) string {
	t.Helper()
	names := "crawler-id crawler-max-price"
	sig, err := signature.SignEncoded(signature.ParseInput(names), signature.HeaderMap{
		"crawler-id":        f.crawler,
		"crawler-max-price": maxPrice,
	}, f.keys.PrivateKey)
	require.NoError(t, err)
	if tamper {
		maxPrice = "9.99"
	}
	raw, err := json.Marshal(VerifyInput{
		Domain:         domain,
		Path:           path,
		UserAgent:      "AcmeBot/2.0",
		CrawlerID:      f.crawler,
		MaxPrice:       maxPrice,
		SignatureInput: names,
		Signature:      sig,
	})
	require.NoError(t, err)
	return string(raw)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		body     string
		status   int
		reason   string
		required string
	}{
		{"charged", f.verifyBody(t, "news.example", "/story", "0.10", false), fiber.StatusOK, "success", ""},
		{"tampered header", f.verifyBody(t, "news.example", "/story", "0.10", true), fiber.StatusUnauthorized, "unauthorized", ""},
		{"blocked site", f.verifyBody(t, "closed.example", "/", "0.10", false), fiber.StatusForbidden, "blocked", ""},
		{"route price", f.verifyBody(t, "docs.example", "/api/v1", "0.05", false), fiber.StatusPaymentRequired, "price_too_low", "0.1"},
		{"free path", f.verifyBody(t, "docs.example", "/blog", "0", false), fiber.StatusOK, "free", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, f.app, http.MethodPost, "/api/verify", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.reason, body["reason"])
			if tt.required != "" {
				assert.Equal(t, tt.required, body["required_price"])
				assert.Equal(t, tt.required, resp.Header.Get(middlewares.HeaderCrawlerPrice))
			}
		})
	}

	c, err := f.store.FindCrawler(context.Background(), f.crawler)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.CreditBalance)
	assert.Len(t, f.store.Records(), len(tests))
}

func TestVerifyOrdinaryRequest(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, f.app, http.MethodPost, "/api/verify",
		`{"domain":"news.example","path":"/","user_agent":"Mozilla/5.0 Firefox/128.0"}`, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ordinary", body["reason"])
	assert.Empty(t, f.store.Records())
}

func TestVerifyValidation(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, f.app, http.MethodPost, "/api/verify", `{"domain":"news.example","path":"story"}`, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["errors"], "Path")
}

func TestRegisterCrawler(t *testing.T) {
	f := newFixture(t)

	resp, body := do(t, f.app, http.MethodPost, "/api/crawlers/register",
		`{"name":"Research Bot","developer_id":"dev-1","usage_reason":"indexing"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	id, _ := body["crawler_id"].(string)
	priv, _ := body["private_key"].(string)
	pub, _ := body["public_key"].(string)
	apiKey, _ := body["api_key"].(string)
	require.NotEmpty(t, id)
	require.NotEmpty(t, priv)
	assert.True(t, strings.HasPrefix(apiKey, "bw_"))

	stored, err := f.store.FindCrawler(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, pub, stored.PublicKey)
	assert.NotContains(t, string(stored.APIKeyHash), apiKey)

	// the returned private key signs for the stored public key
	h := signature.HeaderMap{"crawler-id": id}
	sig, err := signature.SignEncoded([]string{"crawler-id"}, h, priv)
	require.NoError(t, err)
	assert.True(t, signature.VerifyEncoded([]string{"crawler-id"}, h, sig, stored.PublicKey))

	t.Run("public key", func(t *testing.T) {
		resp, body := do(t, f.app, http.MethodGet, "/api/crawlers/"+id+"/public-key", "", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, pub, body["public_key"])

		resp, _ = do(t, f.app, http.MethodGet, "/api/crawlers/nope/public-key", "", nil)
		assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	})

	t.Run("balance", func(t *testing.T) {
		resp, body := do(t, f.app, http.MethodPost, "/api/crawlers/balance",
			`{"crawler_id":"`+id+`","api_key":"`+apiKey+`"}`, nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 0, body["credit_balance"])

		resp, _ = do(t, f.app, http.MethodPost, "/api/crawlers/balance",
			`{"crawler_id":"`+id+`","api_key":"bw_wrong"}`, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

		resp, _ = do(t, f.app, http.MethodPost, "/api/crawlers/balance",
			`{"crawler_id":"missing","api_key":"`+apiKey+`"}`, nil)
		assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("short name", func(t *testing.T) {
		resp, _ := do(t, f.app, http.MethodPost, "/api/crawlers/register", `{"name":"x","developer_id":"dev-1"}`, nil)
		assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
	})
}

func TestPaymentWebhook(t *testing.T) {
	f := newFixture(t)
	order := `{"meta":{"event_name":"order_created","custom_data":{"crawler_id":"` + f.crawler + `","credits":"100"}},"data":{"id":"ord_1"}}`
	signed := func(body string) map[string]string {
		return map[string]string{"X-Signature": payments.Sign([]byte(webhookSecret), []byte(body))}
	}

	resp, body := do(t, f.app, http.MethodPost, "/api/payments/webhook", order, signed(order))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "webhook processed", body["message"])
	assert.EqualValues(t, 102, body["credit_balance"])

	resp, body = do(t, f.app, http.MethodPost, "/api/payments/webhook", order, signed(order))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "already processed", body["message"])

	refund := `{"meta":{"event_name":"order_refunded"},"data":{"id":"ord_1"}}`
	_, body = do(t, f.app, http.MethodPost, "/api/payments/webhook", refund, signed(refund))
	assert.Equal(t, "event ignored", body["message"])

	resp, _ = do(t, f.app, http.MethodPost, "/api/payments/webhook", order, map[string]string{"X-Signature": "deadbeef"})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	// the same order id redirected at another crawler
	other := &models.Crawler{Name: "other", PublicKey: "pk"}
	require.NoError(t, f.store.CreateCrawler(context.Background(), other))
	hijack := `{"meta":{"event_name":"order_created","custom_data":{"crawler_id":"` + other.ID + `","credits":"100"}},"data":{"id":"ord_1"}}`
	resp, _ = do(t, f.app, http.MethodPost, "/api/payments/webhook", hijack, signed(hijack))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	c, err := f.store.FindCrawler(context.Background(), f.crawler)
	require.NoError(t, err)
	assert.Equal(t, int64(102), c.CreditBalance)
	o, err := f.store.FindCrawler(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Zero(t, o.CreditBalance)
}

func TestGrantCredits(t *testing.T) {
	f := newFixture(t)
	target := "/api/crawlers/" + f.crawler + "/credits"

	resp, _ := do(t, f.app, http.MethodPost, target, `{"credits":5}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	key := map[string]string{middlewares.IdempotencyHeader: "grant-1"}
	resp, body := do(t, f.app, http.MethodPost, target, `{"credits":5}`, key)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 7, body["credit_balance"])

	resp, body = do(t, f.app, http.MethodPost, target, `{"credits":5}`, key)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["applied"])
	assert.EqualValues(t, 7, body["credit_balance"])

	resp, _ = do(t, f.app, http.MethodPost, "/api/crawlers/ghost/credits", `{"credits":5}`,
		map[string]string{middlewares.IdempotencyHeader: "grant-2"})
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetSitePricing(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		target    string
		price     string
		monetized bool
		known     bool
	}{
		{"/api/sites/docs.example/pricing?path=/api/users", "0.1", true, true},
		{"/api/sites/docs.example/pricing?path=/about", "0", false, true},
		{"/api/sites/NEWS.example/pricing", "0.05", true, true},
		{"/api/sites/elsewhere.example/pricing", "0.01", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			resp, body := do(t, f.app, http.MethodGet, tt.target, "", nil)
			assert.Equal(t, fiber.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.price, body["price"])
			assert.Equal(t, tt.monetized, body["monetized"])
			assert.Equal(t, tt.known, body["site_id"] != nil)
		})
	}
}

func TestHealthWithoutDatabase(t *testing.T) {
	f := newFixture(t)
	resp, body := do(t, f.app, http.MethodGet, "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func mockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func ownerApp(db *gorm.DB, role string) *fiber.App {
	h := &Handler{
		DB:       db,
		Store:    database.NewGormStore(db),
		Registry: registry.New(database.NewGormStore(db), registry.Options{}),
		Log:      logger.NewNop(),
	}
	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler(logger.NewNop())})
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("ownerID", "owner-1")
		c.Locals("role", role)
		return c.Next()
	})
	app.Post("/api/sites", h.CreateSite)
	app.Put("/api/sites/:id", h.UpdateSite)
	app.Get("/api/sites/:id/crawls", h.ListCrawls)
	return app
}

func TestCreateSite(t *testing.T) {
	db, mock := mockDB(t)
	app := ownerApp(db, middlewares.RoleSiteOwner)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "sites"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, body := do(t, app, http.MethodPost, "/api/sites",
		`{"name":" News ","domain":"News.Example:443","price_per_crawl":"0.05"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "news.example", body["domain"])
	assert.Equal(t, "News", body["name"])
	assert.Equal(t, "owner-1", body["owner_id"])
	assert.Equal(t, "0.05", body["price_per_crawl"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSiteRejectsNegativePrice(t *testing.T) {
	db, mock := mockDB(t)
	app := ownerApp(db, middlewares.RoleSiteOwner)

	resp, _ := do(t, app, http.MethodPost, "/api/sites",
		`{"name":"News","domain":"news.example","routes":[{"pattern":"/paid/*","price":"-1"}]}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSiteNotOwned(t *testing.T) {
	db, mock := mockDB(t)
	app := ownerApp(db, middlewares.RoleSiteOwner)

	mock.ExpectQuery(`SELECT \* FROM "sites" WHERE id = \$1 AND owner_id = \$2 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	resp, _ := do(t, app, http.MethodPut, "/api/sites/s-1", `{"blocked":true}`, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCrawls(t *testing.T) {
	db, mock := mockDB(t)
	app := ownerApp(db, middlewares.RoleSiteOwner)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "sites"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT \* FROM "crawl_records" WHERE site_id = \$1 ORDER BY timestamp DESC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "site_id", "path", "status", "price", "timestamp"}).
			AddRow("r-2", "s-1", "/b", "success", "0.05", now).
			AddRow("r-1", "s-1", "/a", "blocked", "0", now.Add(-time.Minute)))

	resp, body := do(t, app, http.MethodGet, "/api/sites/s-1/crawls?limit=500", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 200, body["limit"])
	records, _ := body["records"].([]any)
	require.Len(t, records, 2)
	assert.Equal(t, "r-2", records[0].(map[string]any)["id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCrawlsUnknownSite(t *testing.T) {
	db, mock := mockDB(t)
	app := ownerApp(db, middlewares.RoleSiteOwner)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "sites"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	resp, _ := do(t, app, http.MethodGet, "/api/sites/s-9/crawls", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.NoError(t, mock.ExpectationsWereMet())
}
