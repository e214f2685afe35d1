// Package pricing resolves the price of a path on a site and negotiates it
// against a crawler's declared ceiling.
package pricing

import (
	"cmp"
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"botwall-gateway/models"
)

// DefaultPrice applies to domains without a site record.
var DefaultPrice = decimal.RequireFromString("0.01")

var ErrInvalidPrice = errors.New("invalid price")

// Quote is the pricing decision for one domain and path.
type Quote struct {
	SiteID    *string         `json:"site_id"`
	Domain    string          `json:"domain"`
	Price     decimal.Decimal `json:"price"`
	Blocked   bool            `json:"blocked"`
	Monetized bool            `json:"monetized"`
}

// KnownSite reports whether the quote came from a registered site.
func (q Quote) KnownSite() bool { return q.SiteID != nil }

// DefaultQuote is used for domains that have no site record: every path is
// monetized at price and nothing is blocked.
func DefaultQuote(domain string, price decimal.Decimal) Quote {
	return Quote{Domain: domain, Price: price, Monetized: true}
}

// Resolve computes the quote for path on site. A blocked site blocks every
// path. A site without routes monetizes every path at its own price.
// Otherwise the first route (by Position) whose pattern matches decides, and
// a path no route matches is free.
func Resolve(site *models.Site, routes []models.SiteRoute, path string) Quote {
	id := site.ID
	q := Quote{SiteID: &id, Domain: site.Domain, Price: site.PricePerCrawl}
	if site.Blocked {
		q.Blocked = true
		return q
	}
	if len(routes) == 0 {
		q.Monetized = true
		return q
	}

	ordered := slices.Clone(routes)
	slices.SortStableFunc(ordered, func(a, b models.SiteRoute) int {
		return cmp.Compare(a.Position, b.Position)
	})
	for _, r := range ordered {
		if !MatchRoute(r.Pattern, path) {
			continue
		}
		if r.Blocked {
			q.Blocked = true
			return q
		}
		if r.Price.Valid {
			q.Price = r.Price.Decimal
		}
		q.Monetized = true
		return q
	}

	q.Price = decimal.Zero
	return q
}

// MatchRoute matches path against a glob pattern where '*' matches any run
// of characters (including '/') and '?' matches exactly one character.
func MatchRoute(pattern, path string) bool {
	pattern = strings.TrimSpace(pattern)
	p, s := 0, 0
	star, mark := -1, 0
	for s < len(path) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == path[s]):
			p++
			s++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = s
			p++
		case star >= 0:
			p = star + 1
			mark++
			s = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// Negotiation is the outcome of comparing a ceiling to a required price.
// RequiredPrice is always set so a denied crawler can retry with it.
type Negotiation struct {
	Allowed       bool
	RequiredPrice decimal.Decimal
}

// Negotiate allows iff declaredMax >= required. There is exactly one round
// trip: the required price is a hint, not a counter-offer.
func Negotiate(declaredMax, required decimal.Decimal) Negotiation {
	return Negotiation{
		Allowed:       declaredMax.GreaterThanOrEqual(required),
		RequiredPrice: required,
	}
}

// ParseCeiling parses a crawler-max-price header. An absent header means a
// ceiling of zero; a malformed or negative value is ErrInvalidPrice.
func ParseCeiling(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil || d.IsNegative() {
		return decimal.Zero, ErrInvalidPrice
	}
	return d, nil
}
