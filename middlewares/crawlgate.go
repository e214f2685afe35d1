package middlewares

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"botwall-gateway/gateway"
	"botwall-gateway/signature"
	"botwall-gateway/utils"
)

const (
	HeaderCrawlerPrice     = "crawler-price"
	HeaderCrawlerCharged   = "crawler-charged"
	HeaderCreditsRemaining = "crawler-credits-remaining"
)

var denialMessages = map[gateway.Reason]string{
	gateway.ReasonNotFound:            "crawler not registered",
	gateway.ReasonUnauthorized:        "invalid or missing signature",
	gateway.ReasonBlocked:             "crawling is blocked for this path",
	gateway.ReasonPriceTooLow:         "declared max price is below the price for this path",
	gateway.ReasonInsufficientCredits: "insufficient credits",
	gateway.ReasonUpstreamError:       "admission temporarily unavailable",
}

// CrawlGate admits or denies every request it sees. Allowed and ordinary
// requests continue down the chain (typically to the origin proxy).
func CrawlGate(ctrl *gateway.Controller) fiber.Handler {
	return func(c *fiber.Ctx) error {
		d := ctrl.Decide(c.UserContext(), RequestFromCtx(c))
		if !d.Allowed {
			WriteDecisionHeaders(c, d)
			return c.Status(d.Reason.HTTPStatus()).JSON(DecisionBody(d))
		}
		// the origin proxy replaces the whole response, so headers go on last
		if err := c.Next(); err != nil {
			return err
		}
		WriteDecisionHeaders(c, d)
		return nil
	}
}

// RequestFromCtx builds the gateway view of a fiber request. Only the first
// value of a repeated header is used.
func RequestFromCtx(c *fiber.Ctx) gateway.Request {
	raw := c.GetReqHeaders()
	h := make(map[string]string, len(raw))
	for k, v := range raw {
		if len(v) > 0 {
			h[k] = v[0]
		}
	}
	host := c.Hostname()
	if host == "" {
		host = c.Get(fiber.HeaderXForwardedHost)
	}
	return gateway.Request{
		Domain:    utils.NormalizeDomain(host),
		Path:      c.Path(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		Headers:   signature.NewHeaderMap(h),
	}
}

func WriteDecisionHeaders(c *fiber.Ctx, d gateway.Decision) {
	if d.RequiredPrice != nil {
		c.Set(HeaderCrawlerPrice, utils.FormatPrice(*d.RequiredPrice))
	}
	if d.Reason == gateway.ReasonCharged {
		c.Set(HeaderCrawlerCharged, utils.FormatPrice(d.Charged))
		if d.Balance != nil {
			c.Set(HeaderCreditsRemaining, strconv.FormatInt(*d.Balance, 10))
		}
	}
}

// DecisionBody is the JSON returned by /api/verify and by the gate on denial.
func DecisionBody(d gateway.Decision) fiber.Map {
	body := fiber.Map{
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}
	if msg, ok := denialMessages[d.Reason]; ok {
		body["message"] = msg
	}
	if d.RequiredPrice != nil {
		body["required_price"] = utils.FormatPrice(*d.RequiredPrice)
	}
	if d.Reason == gateway.ReasonCharged {
		body["charged"] = utils.FormatPrice(d.Charged)
	}
	if d.Balance != nil {
		body["credits_remaining"] = *d.Balance
	}
	if d.Record != nil {
		body["record_id"] = d.Record.ID
	}
	if d.Agent != "" {
		body["agent"] = d.Agent
	}
	return body
}
