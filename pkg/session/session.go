// Package session provides the pooled, retrying HTTP session with a
// per-endpoint response cache.
//
// Requests run over a connection-pooled transport with exponential-backoff
// retries on transient statuses (429/500/502/503/504) and transport errors.
// GET responses (and an allow-list of read-only POST endpoints) are cached
// with a TTL resolved per endpoint class; backends are pluggable between an
// in-process bigcache and Redis.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the session response cache.
var (
	sessionCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alexa_session_cache_hits_total",
		Help: "Total session response cache hits by backend",
	}, []string{"backend"})

	sessionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alexa_session_cache_misses_total",
		Help: "Total session response cache misses",
	})
)

// cacheHitHeader marks responses served from the session cache.
const cacheHitHeader = "X-Session-Cache"

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config holds session configuration.
type Config struct {
	// Timeout is the per-request timeout of the underlying client.
	// Defaults to 30s.
	Timeout time.Duration

	// PoolSize bounds idle connections per upstream host. Defaults to 10.
	PoolSize int

	// Retry is the transient-failure retry policy.
	Retry RetryConfig

	// CacheBackend selects the response cache: "memory" (default),
	// "redis", or "disabled".
	CacheBackend string

	// Redis configures the redis backend.
	Redis RedisConfig
}

// DefaultConfig returns a safe default session configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PoolSize:     10,
		Retry:        DefaultRetryConfig(),
		CacheBackend: "memory",
	}
}

// Info describes the response cache state.
type Info struct {
	Enabled bool    `json:"enabled"`
	Backend string  `json:"backend"`
	Entries int     `json:"entries"`
	SizeKB  float64 `json:"size_kb"`
}

// record is a cached response.
type record struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// expired returns true once the record's endpoint TTL has passed.
func (r *record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Session is a pooled, retrying HTTP session with response caching.
type Session struct {
	httpClient *http.Client
	backend    Backend
	retry      RetryConfig
	logger     zerolog.Logger
}

// New creates a session from the given configuration.
func New(cfg Config, logger zerolog.Logger) (*Session, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	logger = logger.With().Str("component", "http-session").Logger()

	var backend Backend
	switch cfg.CacheBackend {
	case "", "memory":
		mb, err := newMemoryBackend(10*time.Minute, logger)
		if err != nil {
			return nil, fmt.Errorf("memory cache backend: %w", err)
		}
		backend = mb
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		backend = newRedisBackend(client, logger)
	case "disabled":
		backend = disabledBackend{}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize * 2,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Session{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		backend: backend,
		retry:   cfg.Retry,
		logger:  logger,
	}, nil
}

// Do executes the request with retries, serving and populating the response
// cache for cacheable endpoint classes.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	ttl := s.cacheTTL(req)
	cacheable := ttl > 0
	key := req.Method + ":" + req.URL.String()

	if cacheable {
		if resp, ok := s.fromCache(req.Context(), key); ok {
			s.logger.Debug().
				Str("endpoint", req.URL.Path).
				Str("backend", s.backend.Name()).
				Msg("Serving response from session cache")
			return resp, nil
		}
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return nil, err
	}

	if cacheable && resp.StatusCode == http.StatusOK {
		s.storeResponse(req.Context(), key, req.URL.String(), resp, ttl)
	}

	return resp, nil
}

// cacheTTL resolves the response cache TTL for a request. Only GET and
// allow-listed POST endpoints are cacheable; everything else bypasses the
// cache.
func (s *Session) cacheTTL(req *http.Request) time.Duration {
	switch req.Method {
	case http.MethodGet:
		return ttlForPath(req.URL.Path)
	case http.MethodPost:
		if ttl, ok := postTTLForPath(req.URL.Path); ok {
			return ttl
		}
	}
	return 0
}

// fromCache loads a cached response if present and fresh.
func (s *Session) fromCache(ctx context.Context, key string) (*http.Response, bool) {
	data, ok := s.backend.Get(ctx, key)
	if !ok {
		sessionCacheMisses.Inc()
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.backend.Delete(ctx, key)
		sessionCacheMisses.Inc()
		return nil, false
	}

	if rec.expired(time.Now()) {
		s.backend.Delete(ctx, key)
		sessionCacheMisses.Inc()
		return nil, false
	}

	sessionCacheHits.WithLabelValues(s.backend.Name()).Inc()

	headers := rec.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set(cacheHitHeader, "hit")

	return &http.Response{
		StatusCode: rec.StatusCode,
		Status:     http.StatusText(rec.StatusCode),
		Header:     headers,
		Body:       io.NopCloser(bytes.NewReader(rec.Body)),
	}, true
}

// storeResponse caches a response body and restores it for the caller.
func (s *Session) storeResponse(ctx context.Context, key, url string, resp *http.Response, ttl time.Duration) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to read response body for caching")
		return
	}

	now := time.Now()
	rec := record{
		URL:        url,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		CachedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode response record")
		return
	}

	s.backend.Set(ctx, key, data, ttl)
}

// Get issues a GET request.
func (s *Session) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return s.Do(req)
}

// Post issues a POST request with an optional body.
func (s *Session) Post(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return s.Do(req)
}

// Put issues a PUT request with an optional body.
func (s *Session) Put(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return s.Do(req)
}

// Delete issues a DELETE request.
func (s *Session) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return s.Do(req)
}

// CacheInfo returns the response cache state.
func (s *Session) CacheInfo(ctx context.Context) Info {
	_, disabled := s.backend.(disabledBackend)
	return Info{
		Enabled: !disabled,
		Backend: s.backend.Name(),
		Entries: s.backend.Entries(ctx),
		SizeKB:  float64(s.backend.SizeBytes(ctx)) / 1024,
	}
}

// ClearCache drops every cached response and returns how many were removed.
func (s *Session) ClearCache(ctx context.Context) int {
	return s.backend.Clear(ctx)
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *Session) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}
