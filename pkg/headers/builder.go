// Package headers assembles the outbound HTTP headers expected by the
// upstream API, injecting a validated CSRF token.
package headers

import (
	"net/http"

	"github.com/fzeiser/alexa-api-client/pkg/token"
)

// CSRFHeader is the custom header the upstream API requires on every
// authenticated request.
const CSRFHeader = "csrf"

// DefaultUserAgent is sent when the builder is not given one.
const DefaultUserAgent = "alexa-api-client/1.0.0"

// Builder assembles request headers for a configured upstream domain.
type Builder struct {
	// Domain is the upstream top-level domain, e.g. "amazon.de".
	Domain string

	// UserAgent overrides DefaultUserAgent when set.
	UserAgent string

	// Tokens supplies the CSRF token.
	Tokens *token.Manager
}

// Build returns the header set for an outbound request. With requireCSRF the
// token must validate and a *token.SecurityError is returned otherwise;
// without it a failed validation degrades to an empty csrf value. Extra
// headers are merged last and override the base set.
func (b *Builder) Build(extra map[string]string, requireCSRF bool) (http.Header, error) {
	ua := b.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=UTF-8")
	h.Set("User-Agent", ua)
	h.Set("Accept-Language", "en-US")
	h.Set("Referer", "https://alexa."+b.Domain+"/spa/index.html")
	h.Set("Origin", "https://alexa."+b.Domain)
	h.Set("Connection", "keep-alive")

	tok, err := b.Tokens.Get(requireCSRF)
	if err != nil {
		return nil, err
	}
	h.Set(CSRFHeader, tok)

	for k, v := range extra {
		h.Set(k, v)
	}

	return h, nil
}

// BuildSafe builds headers without requiring a valid CSRF token.
func (b *Builder) BuildSafe(extra map[string]string) http.Header {
	h, _ := b.Build(extra, false)
	return h
}
