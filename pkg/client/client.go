// Package client provides the resilient API client: it assembles secure
// headers, wraps every call in the circuit breaker, translates upstream
// failures into typed errors and falls back to the tagged cache when the
// network is down and the caller opted in with a cache key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/fzeiser/alexa-api-client/pkg/cache"
	"github.com/fzeiser/alexa-api-client/pkg/headers"
	"github.com/fzeiser/alexa-api-client/pkg/resilience"
	"github.com/fzeiser/alexa-api-client/pkg/session"
	"github.com/fzeiser/alexa-api-client/pkg/token"
)

// Prometheus metrics for the API client.
var (
	clientRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alexa_client_requests_total",
		Help: "Total API requests by method and status code",
	}, []string{"method", "code"})

	clientRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alexa_client_request_duration_seconds",
		Help:    "API request latency by method",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	clientFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alexa_client_cache_fallbacks_total",
		Help: "Total requests answered from the tagged cache after a network failure",
	})
)

// DefaultTimeout bounds a request whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

// Config wires the client and its collaborators.
type Config struct {
	// Domain is the upstream top-level domain, e.g. "amazon.de".
	Domain string

	// BaseURL overrides the URL derived from Domain. Used in tests.
	BaseURL string

	// UserAgent overrides the default user agent.
	UserAgent string

	// Timeout applies when the caller's context has no deadline.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// Credentials supplies the CSRF token.
	Credentials token.CredentialSource

	Session session.Config
	Breaker resilience.Config
	Cache   cache.Config
}

// Result is a completed API call.
type Result struct {
	StatusCode int
	Body       json.RawMessage
	FromCache  bool
}

// Client is the resilient API client.
type Client struct {
	baseURL string
	timeout time.Duration

	headers *headers.Builder
	session *session.Session
	breaker *resilience.Breaker
	cache   *cache.Cache
	logger  zerolog.Logger
}

// New wires a client from the given configuration.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("client: credential source is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Domain == "" {
			return nil, fmt.Errorf("client: domain or base URL is required")
		}
		baseURL = "https://alexa." + cfg.Domain
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sess, err := session.New(cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("client: session: %w", err)
	}

	tc, err := cache.New(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("client: cache: %w", err)
	}

	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "alexa-api"
	}

	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		headers: &headers.Builder{
			Domain:    cfg.Domain,
			UserAgent: cfg.UserAgent,
			Tokens:    token.NewManager(cfg.Credentials, logger),
		},
		session: sess,
		breaker: resilience.New(cfg.Breaker, logger),
		cache:   tc,
		logger:  logger.With().Str("component", "api-client").Logger(),
	}, nil
}

// RequestOption configures a single request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	headers  map[string]string
	body     any
	query    url.Values
	timeout  time.Duration
	cacheKey string
}

// WithHeaders merges extra headers into the request, overriding the base set.
func WithHeaders(h map[string]string) RequestOption {
	return func(o *requestOptions) { o.headers = h }
}

// WithBody JSON-encodes v as the request body.
func WithBody(v any) RequestOption {
	return func(o *requestOptions) { o.body = v }
}

// WithQuery appends query parameters to the request URL.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) { o.query = q }
}

// WithTimeout overrides the client's default timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithCacheKey enables the stale-if-error fallback: on a network failure the
// tagged cache is consulted under this key before the error propagates. A
// successful response body is written through to the cache under the same
// key.
func WithCacheKey(key string) RequestOption {
	return func(o *requestOptions) { o.cacheKey = key }
}

// Get issues a GET request against the API.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodGet, path, opts...)
}

// Post issues a POST request against the API.
func (c *Client) Post(ctx context.Context, path string, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodPost, path, opts...)
}

// Put issues a PUT request against the API.
func (c *Client) Put(ctx context.Context, path string, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodPut, path, opts...)
}

// Delete issues a DELETE request against the API.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Result, error) {
	return c.do(ctx, http.MethodDelete, path, opts...)
}

func (c *Client) do(ctx context.Context, method, path string, opts ...RequestOption) (*Result, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Every network call carries a deadline.
	timeout := o.timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	hdr, err := c.headers.Build(o.headers, true)
	if err != nil {
		return nil, err
	}

	reqURL := c.baseURL + path
	if len(o.query) > 0 {
		reqURL += "?" + o.query.Encode()
	}

	var bodyReader io.Reader
	if o.body != nil {
		encoded, err := json.Marshal(o.body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = hdr

	start := time.Now()
	res, err := c.breaker.Call(func() (any, error) {
		return c.session.Do(req)
	})
	clientRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		return c.handleFailure(method, path, o.cacheKey, err)
	}

	resp := res.(*http.Response)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.handleFailure(method, path, o.cacheKey, err)
	}

	clientRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	if mappedErr := mapStatus(resp.StatusCode, body); mappedErr != nil {
		return nil, mappedErr
	}

	result := &Result{StatusCode: resp.StatusCode, Body: body}

	if o.cacheKey != "" && (method == http.MethodGet || method == http.MethodPost) {
		c.writeThrough(o.cacheKey, path, body)
	}

	return result, nil
}

// handleFailure deals with a request that never produced an HTTP response:
// a tripped breaker propagates unchanged, and a transport failure is masked
// by the tagged cache only when the caller supplied a cache key.
func (c *Client) handleFailure(method, path, cacheKey string, err error) (*Result, error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		clientRequestsTotal.WithLabelValues(method, "circuit_open").Inc()
		return nil, err
	}

	clientRequestsTotal.WithLabelValues(method, "transport_error").Inc()

	if cacheKey != "" {
		if value, ok := c.cache.Get(cacheKey); ok {
			body, marshalErr := json.Marshal(value)
			if marshalErr == nil {
				clientFallbacksTotal.Inc()
				c.logger.Warn().
					Err(err).
					Str("endpoint", path).
					Str("cache_key", cacheKey).
					Msg("Network failure, serving stale cached value")
				return &Result{StatusCode: http.StatusOK, Body: body, FromCache: true}, nil
			}
		}
	}

	return nil, &APIError{Err: err}
}

// mapStatus translates an upstream error status into the typed taxonomy.
func mapStatus(status int, body []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthenticationError{StatusCode: status, CanRefresh: true}
	case status == http.StatusForbidden:
		return &AuthenticationError{StatusCode: status, CanRefresh: false}
	case status >= 400:
		apiErr := &APIError{StatusCode: status}
		if json.Valid(body) {
			apiErr.Body = body
		}
		return apiErr
	}
	return nil
}

// writeThrough stores a successful response body in the tagged cache so the
// stale-if-error fallback has something to serve later.
func (c *Client) writeThrough(key, path string, body []byte) {
	opts := []cache.SetOption{}
	if tag := tagForPath(path); tag != "" {
		opts = append(opts, cache.WithTags(tag))
	}
	c.cache.Set(key, json.RawMessage(body), opts...)
}

// Cache exposes the tagged cache for explicit invalidation by callers.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Session exposes the underlying HTTP session, mainly for tests and the
// proxy's cache admin endpoints.
func (c *Client) Session() *session.Session { return c.session }

// TokenStats reports CSRF token lifecycle counters.
func (c *Client) TokenStats() token.Stats { return c.headers.Tokens.Stats() }

// BreakerStats reports circuit breaker state and counters.
func (c *Client) BreakerStats() resilience.Stats { return c.breaker.Stats() }
