package gateway

import "net/http"

// Reason is the machine-readable code of an admission decision.
type Reason string

const (
	ReasonCharged             Reason = "success"
	ReasonFree                Reason = "free"
	ReasonOrdinary            Reason = "ordinary"
	ReasonNotFound            Reason = "not_found"
	ReasonUnauthorized        Reason = "unauthorized"
	ReasonBlocked             Reason = "blocked"
	ReasonPriceTooLow         Reason = "price_too_low"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonUpstreamError       Reason = "upstream_error"
)

// Allowed reports whether the reason admits the request.
func (r Reason) Allowed() bool {
	switch r {
	case ReasonCharged, ReasonFree, ReasonOrdinary:
		return true
	}
	return false
}

// HTTPStatus maps a reason to the status returned to the crawler.
func (r Reason) HTTPStatus() int {
	switch r {
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonNotFound, ReasonBlocked:
		return http.StatusForbidden
	case ReasonPriceTooLow, ReasonInsufficientCredits:
		return http.StatusPaymentRequired
	case ReasonUpstreamError:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
