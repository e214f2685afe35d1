package utils

import "github.com/shopspring/decimal"

// PricePlaces matches the numeric(12,4) price columns.
const PricePlaces = 4

// RoundPrice rounds d half away from zero to PricePlaces.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(PricePlaces)
}

// FormatPrice renders a price for response headers: no exponent, no
// trailing zeros ("0.05", "1").
func FormatPrice(d decimal.Decimal) string {
	return RoundPrice(d).String()
}
