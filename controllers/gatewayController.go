package controllers

import (
	"github.com/gofiber/fiber/v2"

	"botwall-gateway/gateway"
	"botwall-gateway/middlewares"
	"botwall-gateway/signature"
	"botwall-gateway/utils"
)

// VerifyInput is the remote-middleware form of an inbound request. The
// optional top-level fields are merged into Headers when set.
type VerifyInput struct {
	Domain         string            `json:"domain" validate:"required,max=255"`
	Path           string            `json:"path" validate:"required,startswith=/"`
	UserAgent      string            `json:"user_agent"`
	Headers        map[string]string `json:"headers"`
	CrawlerID      string            `json:"crawler_id"`
	MaxPrice       string            `json:"max_price"`
	SignatureInput string            `json:"signature_input"`
	Signature      string            `json:"signature"`
}

// Verify decides one request on behalf of a remote middleware.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var in VerifyInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}

	headers := signature.NewHeaderMap(in.Headers)
	for name, v := range map[string]string{
		signature.HeaderCrawlerID:      in.CrawlerID,
		signature.HeaderMaxPrice:       in.MaxPrice,
		signature.HeaderSignatureInput: in.SignatureInput,
		signature.HeaderSignature:      in.Signature,
		"user-agent":                   in.UserAgent,
	} {
		if v != "" {
			headers[name] = v
		}
	}

	d := h.Gateway.Decide(c.UserContext(), gateway.Request{
		Domain:    utils.NormalizeDomain(in.Domain),
		Path:      in.Path,
		UserAgent: headers.Get("user-agent"),
		Headers:   headers,
	})

	middlewares.WriteDecisionHeaders(c, d)
	return c.Status(d.Reason.HTTPStatus()).JSON(middlewares.DecisionBody(d))
}
