// Package token manages the CSRF session token required by the upstream API.
//
// The token is pulled from a credential source, validated against the known
// upstream formats, and cached with a freshness window. Consumers ask the
// manager per request; the manager decides when to re-pull.
package token

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for token lifecycle.
var (
	csrfRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alexa_csrf_refreshes_total",
		Help: "Total CSRF token refresh attempts by result",
	}, []string{"result"})

	csrfValidationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alexa_csrf_validation_failures_total",
		Help: "Total CSRF validations that failed with validation required",
	})
)

// MaxTokenAge is how long a pulled token is trusted before a re-pull.
const MaxTokenAge = 30 * time.Minute

// minTokenLength is the shortest token the upstream API ever issues.
const minTokenLength = 10

// CredentialSource supplies the current CSRF token from whatever
// authentication state the embedding application maintains.
type CredentialSource interface {
	// CurrentCSRFToken returns the current token, or "" if none is available.
	CurrentCSRFToken() string
}

// SecurityError indicates a missing or malformed CSRF token where a valid
// one was required.
type SecurityError struct {
	Reason string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("csrf security error: %s", e.Reason)
}

// Stats describes the current token cache state.
type Stats struct {
	Cached       bool    `json:"cached"`
	AgeSeconds   float64 `json:"age_seconds"`
	Valid        bool    `json:"valid"`
	NeedsRefresh bool    `json:"needs_refresh"`
	TokenLength  int     `json:"token_length"`
}

// Manager caches a validated CSRF token pulled from a credential source.
type Manager struct {
	source CredentialSource
	maxAge time.Duration
	logger zerolog.Logger
	sf     singleflight.Group

	// now is replaceable in tests to control the freshness window.
	now func() time.Time

	mu         sync.Mutex
	token      string
	acquiredAt time.Time
}

// NewManager creates a token manager pulling from source.
func NewManager(source CredentialSource, logger zerolog.Logger) *Manager {
	return &Manager{
		source: source,
		maxAge: MaxTokenAge,
		logger: logger.With().Str("component", "csrf-token").Logger(),
		now:    time.Now,
	}
}

// IsValidToken reports whether s matches a known upstream token format:
// at least 10 characters and either "amzn."-prefixed or a plain
// alphanumeric/hyphen/underscore token longer than 20 characters.
func IsValidToken(s string) bool {
	if len(s) < minTokenLength {
		return false
	}
	if strings.HasPrefix(s, "amzn.") {
		return true
	}
	if len(s) <= 20 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Get returns the cached token, refreshing it from the credential source
// when unset or older than MaxTokenAge. With validate set, a missing or
// malformed token yields a *SecurityError; otherwise the cached value is
// returned as-is, possibly empty.
func (m *Manager) Get(validate bool) (string, error) {
	if m.needsRefresh() {
		m.refresh()
	}

	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()

	if validate && !IsValidToken(tok) {
		csrfValidationFailuresTotal.Inc()
		m.logger.Warn().Int("token_length", len(tok)).Msg("CSRF token invalid with validation required")
		return "", &SecurityError{Reason: "token missing or malformed"}
	}

	return tok, nil
}

// GetSafe returns a validated token, or fallback instead of an error.
func (m *Manager) GetSafe(fallback string) string {
	tok, err := m.Get(true)
	if err != nil {
		return fallback
	}
	return tok
}

// Invalidate clears the cached token so the next Get re-pulls.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.acquiredAt = time.Time{}
	m.mu.Unlock()

	m.logger.Debug().Msg("CSRF token invalidated")
}

// Stats returns the current token cache state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	age := 0.0
	if !m.acquiredAt.IsZero() {
		age = m.now().Sub(m.acquiredAt).Seconds()
	}

	return Stats{
		Cached:       m.token != "",
		AgeSeconds:   age,
		Valid:        IsValidToken(m.token),
		NeedsRefresh: m.token == "" || m.now().Sub(m.acquiredAt) > m.maxAge,
		TokenLength:  len(m.token),
	}
}

// needsRefresh reports whether the cached token is absent or stale.
func (m *Manager) needsRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token == "" || m.now().Sub(m.acquiredAt) > m.maxAge
}

// refresh pulls a new token from the credential source. Concurrent callers
// coalesce into a single pull. An invalid pulled value is discarded: the
// previous token stays in place but remains due for refresh, so the next
// Get pulls again.
func (m *Manager) refresh() {
	_, _, _ = m.sf.Do("refresh", func() (any, error) {
		pulled := m.source.CurrentCSRFToken()

		if !IsValidToken(pulled) {
			csrfRefreshesTotal.WithLabelValues("invalid").Inc()
			m.logger.Warn().
				Int("token_length", len(pulled)).
				Msg("Credential source returned invalid CSRF token, discarding")
			return nil, nil
		}

		m.mu.Lock()
		m.token = pulled
		m.acquiredAt = m.now()
		m.mu.Unlock()

		csrfRefreshesTotal.WithLabelValues("success").Inc()
		m.logger.Debug().Int("token_length", len(pulled)).Msg("CSRF token refreshed")
		return nil, nil
	})
}
