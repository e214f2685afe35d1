package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"botwall-gateway/config"
	"botwall-gateway/signature"
)

func TestClassify(t *testing.T) {
	c := NewClassifier([]config.Matcher{
		{Name: "GPTBot", Pattern: "GPTBot"},
		{Name: "generic bot", Pattern: "bot"},
		{Name: "blank", Pattern: "  "},
	})

	signed := signature.HeaderMap{
		"crawler-id":      "c-1",
		"signature-input": "crawler-id",
		"signature":       "sig",
	}

	tests := []struct {
		name    string
		headers signature.HeaderMap
		ua      string
		want    Classification
	}{
		{"browser", signature.HeaderMap{}, "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0", Classification{}},
		{"signed", signed, "custom-client/1.0", Classification{Crawler: true, Signed: true}},
		{"first matcher wins", signature.HeaderMap{}, "Mozilla/5.0 (compatible; GPTBot/1.1)", Classification{Crawler: true, Agent: "GPTBot"}},
		{"generic", signature.HeaderMap{}, "SomeBot", Classification{Crawler: true, Agent: "generic bot"}},
		{"incomplete signature pair is not signed", signature.HeaderMap{"crawler-id": "c-1", "signature": "sig"}, "curl", Classification{}},
		{"empty agent", signature.HeaderMap{}, "", Classification{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.headers, tc.ua))
		})
	}
}

func TestReasonHTTPStatus(t *testing.T) {
	assert.Equal(t, 401, ReasonUnauthorized.HTTPStatus())
	assert.Equal(t, 403, ReasonNotFound.HTTPStatus())
	assert.Equal(t, 403, ReasonBlocked.HTTPStatus())
	assert.Equal(t, 402, ReasonPriceTooLow.HTTPStatus())
	assert.Equal(t, 402, ReasonInsufficientCredits.HTTPStatus())
	assert.Equal(t, 503, ReasonUpstreamError.HTTPStatus())
	assert.Equal(t, 200, ReasonCharged.HTTPStatus())
	assert.True(t, ReasonFree.Allowed())
	assert.False(t, ReasonBlocked.Allowed())
}
