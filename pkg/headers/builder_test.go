package headers

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fzeiser/alexa-api-client/pkg/token"
)

type staticSource struct {
	token string
}

func (s staticSource) CurrentCSRFToken() string { return s.token }

func newBuilder(tok string) *Builder {
	return &Builder{
		Domain: "amazon.de",
		Tokens: token.NewManager(staticSource{token: tok}, zerolog.Nop()),
	}
}

func TestBuilder_Build_BaseHeaders(t *testing.T) {
	b := newBuilder("amzn.valid-token-12345")

	h, err := b.Build(nil, true)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Content-Type", "application/json; charset=UTF-8"},
		{"User-Agent", DefaultUserAgent},
		{"Referer", "https://alexa.amazon.de/spa/index.html"},
		{"Origin", "https://alexa.amazon.de"},
		{"Connection", "keep-alive"},
		{CSRFHeader, "amzn.valid-token-12345"},
	}

	for _, tt := range tests {
		if got := h.Get(tt.header); got != tt.want {
			t.Errorf("Header %s = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestBuilder_Build_ExtraHeadersOverride(t *testing.T) {
	b := newBuilder("amzn.valid-token-12345")

	h, err := b.Build(map[string]string{
		"Content-Type":    "text/plain",
		"X-Amzn-RequestId": "req-1",
	}, true)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := h.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Extra header should override base: got %q", got)
	}
	if got := h.Get("X-Amzn-RequestId"); got != "req-1" {
		t.Errorf("Extra header missing: got %q", got)
	}
}

func TestBuilder_Build_RequireCSRF(t *testing.T) {
	b := newBuilder("too-short")

	_, err := b.Build(nil, true)
	if err == nil {
		t.Fatal("Build should fail with an invalid token and requireCSRF")
	}

	var secErr *token.SecurityError
	if !errors.As(err, &secErr) {
		t.Errorf("Error type = %T, want *token.SecurityError", err)
	}
}

func TestBuilder_BuildSafe_DegradesToEmpty(t *testing.T) {
	b := newBuilder("too-short")

	h := b.BuildSafe(nil)
	if h == nil {
		t.Fatal("BuildSafe should never return nil headers")
	}
	if got := h.Get(CSRFHeader); got != "" {
		t.Errorf("csrf header = %q, want empty on degraded build", got)
	}
	if got := h.Get("Origin"); got != "https://alexa.amazon.de" {
		t.Errorf("Base headers should survive degraded build, got %q", got)
	}
}
