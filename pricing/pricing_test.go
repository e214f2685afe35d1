package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botwall-gateway/models"
)

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMatchRoute(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/*", "/", true},
		{"/*", "/docs/a/b", true},
		{"/docs/*", "/docs/intro", true},
		{"/docs/*", "/docs", false},
		{"/docs/*", "/blog/post", false},
		{"/api/v?/users", "/api/v1/users", true},
		{"/api/v?/users", "/api/v10/users", false},
		{"*.pdf", "/files/report.pdf", true},
		{"*.pdf", "/files/report.pdfx", false},
		{"/exact", "/exact", true},
		{"/exact", "/exact/", false},
		{"/a*b*c", "/aXXbYYc", true},
		{"/a*b*c", "/aXXbYY", false},
		{"", "", true},
		{"", "/", false},
	}
	for _, tc := range tests {
		t.Run(tc.pattern+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchRoute(tc.pattern, tc.path))
		})
	}
}

func TestResolve(t *testing.T) {
	site := &models.Site{ID: "site-1", Domain: "example.com", PricePerCrawl: price("0.05")}

	t.Run("no routes monetizes everything", func(t *testing.T) {
		q := Resolve(site, nil, "/anything")
		require.NotNil(t, q.SiteID)
		assert.Equal(t, "site-1", *q.SiteID)
		assert.True(t, q.Monetized)
		assert.False(t, q.Blocked)
		assert.True(t, q.Price.Equal(price("0.05")))
	})

	t.Run("blocked site blocks every path", func(t *testing.T) {
		blocked := *site
		blocked.Blocked = true
		q := Resolve(&blocked, []models.SiteRoute{{Pattern: "/free/*", Position: 1}}, "/free/x")
		assert.True(t, q.Blocked)
	})

	routes := []models.SiteRoute{
		{Position: 3, Pattern: "/docs/*"},
		{Position: 1, Pattern: "/docs/private/*", Blocked: true},
		{Position: 2, Pattern: "/docs/premium/*", Price: decimal.NewNullDecimal(price("0.25"))},
	}

	t.Run("first route by position wins", func(t *testing.T) {
		q := Resolve(site, routes, "/docs/private/secret")
		assert.True(t, q.Blocked)

		q = Resolve(site, routes, "/docs/premium/report")
		assert.True(t, q.Monetized)
		assert.True(t, q.Price.Equal(price("0.25")))

		q = Resolve(site, routes, "/docs/intro")
		assert.True(t, q.Monetized)
		assert.True(t, q.Price.Equal(price("0.05")))
	})

	t.Run("unmatched path is free", func(t *testing.T) {
		q := Resolve(site, routes, "/blog/hello")
		assert.False(t, q.Monetized)
		assert.False(t, q.Blocked)
		assert.True(t, q.Price.IsZero())
	})
}

func TestDefaultQuote(t *testing.T) {
	q := DefaultQuote("unknown.example", DefaultPrice)
	assert.False(t, q.KnownSite())
	assert.True(t, q.Monetized)
	assert.True(t, q.Price.Equal(price("0.01")))
}

func TestNegotiate(t *testing.T) {
	t.Run("ceiling below price is denied with the required price", func(t *testing.T) {
		n := Negotiate(price("0.03"), price("0.05"))
		assert.False(t, n.Allowed)
		assert.Equal(t, "0.05", n.RequiredPrice.String())
	})
	t.Run("equal ceiling is allowed", func(t *testing.T) {
		assert.True(t, Negotiate(price("0.05"), price("0.050")).Allowed)
	})
	t.Run("higher ceiling is allowed", func(t *testing.T) {
		assert.True(t, Negotiate(price("1"), price("0.05")).Allowed)
	})
}

func TestParseCeiling(t *testing.T) {
	d, err := ParseCeiling("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	d, err = ParseCeiling(" 0.07 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(price("0.07")))

	_, err = ParseCeiling("cheap")
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = ParseCeiling("-1")
	assert.ErrorIs(t, err, ErrInvalidPrice)
}
