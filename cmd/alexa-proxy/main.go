// Command alexa-proxy exposes the resilient Alexa API client over HTTP:
// it forwards /api/ requests to the upstream with CSRF injection, retries,
// circuit breaking and cache fallback, and serves cache admin and
// introspection endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fzeiser/alexa-api-client/pkg/client"
	"github.com/fzeiser/alexa-api-client/pkg/config"
	"github.com/fzeiser/alexa-api-client/pkg/logging"
	"github.com/fzeiser/alexa-api-client/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallbackLogger := logging.Setup(logging.DefaultConfig())
		fallbackLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
	})

	if cfg.API.CSRFToken == "" {
		logger.Fatal().Msg("No CSRF token configured, set ALEXA_API_CSRF_TOKEN")
	}

	clientCfg := cfg.ClientConfig()
	clientCfg.Credentials = staticCredentials{token: cfg.API.CSRFToken}

	apiClient, err := client.New(clientCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API client")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stats", statsHandler(apiClient))
	mux.HandleFunc("/cache", cacheAdminHandler(apiClient, logger))
	mux.HandleFunc("/api/", proxyHandler(apiClient, logger))

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("domain", cfg.API.Domain).
		Str("session_backend", cfg.Session.Backend).
		Msg("Starting Alexa API proxy")

	if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// staticCredentials serves a fixed CSRF token from configuration.
type staticCredentials struct {
	token string
}

func (s staticCredentials) CurrentCSRFToken() string { return s.token }

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// statsHandler reports token, breaker and cache state as JSON.
func statsHandler(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"token":         c.TokenStats(),
			"breaker":       c.BreakerStats(),
			"cache":         c.Cache().Stats(),
			"session_cache": c.Session().CacheInfo(r.Context()),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// cacheAdminHandler supports explicit invalidation: DELETE /cache?key=...,
// DELETE /cache?tag=..., or DELETE /cache to clear everything including the
// session response cache.
func cacheAdminHandler(c *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var removed int
		switch {
		case r.URL.Query().Get("key") != "":
			if c.Cache().Invalidate(r.URL.Query().Get("key")) {
				removed = 1
			}
		case r.URL.Query().Get("tag") != "":
			removed = c.Cache().InvalidateByTag(r.URL.Query().Get("tag"))
		default:
			removed = c.Cache().ClearAll()
			removed += c.Session().ClearCache(r.Context())
		}

		logger.Info().Int("removed", removed).Msg("Cache invalidated via admin endpoint")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"removed": removed})
	}
}

// proxyHandler forwards /api/ requests through the resilient client. GETs
// opt in to the stale-if-error fallback keyed by their path.
func proxyHandler(c *client.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := []client.RequestOption{}
		if len(r.URL.Query()) > 0 {
			opts = append(opts, client.WithQuery(r.URL.Query()))
		}

		var res *client.Result
		var err error

		switch r.Method {
		case http.MethodGet:
			opts = append(opts, client.WithCacheKey(r.URL.Path))
			res, err = c.Get(r.Context(), r.URL.Path, opts...)
		case http.MethodPost, http.MethodPut:
			body, readErr := io.ReadAll(r.Body)
			if readErr != nil {
				http.Error(w, "read request body", http.StatusBadRequest)
				return
			}
			if len(body) > 0 {
				opts = append(opts, client.WithBody(json.RawMessage(body)))
			}
			if r.Method == http.MethodPost {
				res, err = c.Post(r.Context(), r.URL.Path, opts...)
			} else {
				res, err = c.Put(r.Context(), r.URL.Path, opts...)
			}
		case http.MethodDelete:
			res, err = c.Delete(r.Context(), r.URL.Path, opts...)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err != nil {
			writeAPIError(w, r, err, logger)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if res.FromCache {
			w.Header().Set("X-Cache-Fallback", "stale")
		}
		w.WriteHeader(res.StatusCode)
		w.Write(res.Body)
	}
}

// writeAPIError maps the client's error taxonomy onto proxy responses.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error, logger zerolog.Logger) {
	logger.Warn().Err(err).Str("endpoint", r.URL.Path).Msg("Upstream request failed")

	var authErr *client.AuthenticationError
	var apiErr *client.APIError

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		http.Error(w, "upstream circuit open", http.StatusServiceUnavailable)
	case errors.As(err, &authErr):
		http.Error(w, authErr.Error(), authErr.StatusCode)
	case errors.As(err, &apiErr) && apiErr.StatusCode != 0:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.StatusCode)
		if len(apiErr.Body) > 0 {
			w.Write(apiErr.Body)
		}
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "upstream timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
	}
}
