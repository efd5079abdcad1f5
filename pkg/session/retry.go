package session

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry behavior.
var (
	sessionRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alexa_session_retries_total",
		Help: "Total request retry attempts by reason",
	}, []string{"reason"})

	sessionRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alexa_session_retry_backoff_seconds",
		Help:    "Backoff duration for retries by reason",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"reason"})

	sessionRetryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alexa_session_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted",
	})
)

// retryStatuses are the transient HTTP statuses worth retrying.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// RetryConfig holds the retry policy for transient failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialBackoff is the first wait between attempts.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential growth factor.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// doWithRetry executes the request with exponential backoff on transient
// statuses and transport errors. It respects context cancellation and adds
// jitter to avoid thundering herd. A response with a non-transient status is
// returned as-is; exhausted attempts return the last response, or the last
// transport error when no response was received.
func (s *Session) doWithRetry(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	backoff := s.retry.InitialBackoff

	var lastErr error

	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		attemptReq, err := cloneRequest(req)
		if err != nil {
			return nil, fmt.Errorf("clone request: %w", err)
		}

		resp, err := s.httpClient.Do(attemptReq)

		var reason string
		switch {
		case err != nil:
			lastErr = err
			reason = "network"
		case retryStatuses[resp.StatusCode]:
			reason = fmt.Sprintf("%d", resp.StatusCode)
		default:
			if attempt > 1 {
				s.logger.Info().
					Str("endpoint", req.URL.Path).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return resp, nil
		}

		if attempt >= s.retry.MaxAttempts {
			sessionRetryExhaustedTotal.Inc()
			s.logger.Warn().
				Str("endpoint", req.URL.Path).
				Str("reason", reason).
				Int("max_attempts", s.retry.MaxAttempts).
				Msg("Retry attempts exhausted")
			if err != nil {
				return nil, err
			}
			// Let the caller map the final transient status.
			return resp, nil
		}

		if resp != nil {
			// Drain so the pooled connection can be reused.
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		sessionRetriesTotal.WithLabelValues(reason).Inc()

		// ±20% jitter.
		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		sessionRetryBackoffSeconds.WithLabelValues(reason).Observe(wait.Seconds())

		s.logger.Debug().
			Str("endpoint", req.URL.Path).
			Str("reason", reason).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * s.retry.BackoffMultiplier)
		if backoff > s.retry.MaxBackoff {
			backoff = s.retry.MaxBackoff
		}
	}

	return nil, lastErr
}

// cloneRequest produces a fresh request for a retry attempt, rewinding the
// body via GetBody when one is present.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}
