package gateway

import (
	"strings"

	"botwall-gateway/config"
	"botwall-gateway/signature"
)

type Classification struct {
	Crawler bool
	// Signed is true when the identity header and the signature pair are
	// all present.
	Signed bool
	// Agent names the matcher that recognised the user agent, if any.
	Agent string
}

// Classifier decides whether a request is a crawler. The matcher list only
// routes unsigned agents into the pipeline; it never exempts anyone from
// verification.
type Classifier struct {
	matchers []config.Matcher
}

func NewClassifier(matchers []config.Matcher) *Classifier {
	out := make([]config.Matcher, 0, len(matchers))
	for _, m := range matchers {
		p := strings.ToLower(strings.TrimSpace(m.Pattern))
		if p == "" {
			continue
		}
		out = append(out, config.Matcher{Name: m.Name, Pattern: p})
	}
	return &Classifier{matchers: out}
}

func (c *Classifier) Classify(h signature.Headers, userAgent string) Classification {
	var cls Classification
	cls.Signed = h.Get(signature.HeaderCrawlerID) != "" &&
		h.Get(signature.HeaderSignatureInput) != "" &&
		h.Get(signature.HeaderSignature) != ""

	ua := strings.ToLower(userAgent)
	for _, m := range c.matchers {
		if strings.Contains(ua, m.Pattern) {
			cls.Agent = m.Name
			break
		}
	}
	cls.Crawler = cls.Signed || cls.Agent != ""
	return cls
}
