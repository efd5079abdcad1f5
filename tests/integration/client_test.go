package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fzeiser/alexa-api-client/internal/testutil"
	"github.com/fzeiser/alexa-api-client/pkg/client"
	"github.com/fzeiser/alexa-api-client/pkg/session"
	"github.com/fzeiser/alexa-api-client/pkg/token"
)

const testCSRF = "amzn.csrf.integration-123456"

type staticCredentials struct {
	token string
}

func (s staticCredentials) CurrentCSRFToken() string { return s.token }

var _ token.CredentialSource = staticCredentials{}

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (string, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping container-backed test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cleanup := func() {
		container.Terminate(ctx)
	}

	return host + ":" + port.Port(), cleanup
}

func newIntegrationClient(t *testing.T, upstream *testutil.MockUpstream, redisAddr string) *client.Client {
	t.Helper()

	cfg := client.Config{
		Domain:      "amazon.de",
		BaseURL:     upstream.URL(),
		Credentials: staticCredentials{token: testCSRF},
	}
	cfg.Session.CacheBackend = "redis"
	cfg.Session.Redis = session.RedisConfig{Addr: redisAddr}
	cfg.Session.Retry = session.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
	cfg.Cache.Dir = t.TempDir()

	c, err := client.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func TestFullFlow_RedisSessionCache(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetDevicesResponse(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"devices": [{"serialNumber": "G09"}]}`,
	})

	c := newIntegrationClient(t, upstream, redisAddr)
	ctx := context.Background()

	// First request goes upstream, the next ones hit Redis.
	for i := 0; i < 3; i++ {
		res, err := c.Get(ctx, "/api/devices-v2/device")
		if err != nil {
			t.Fatalf("Get %d failed: %v", i, err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("Get %d status = %d", i, res.StatusCode)
		}
	}

	if n := upstream.GetRequestCount(); n != 1 {
		t.Errorf("Upstream requests = %d, want 1 (served from Redis)", n)
	}

	info := c.Session().CacheInfo(ctx)
	if info.Backend != "redis" || info.Entries != 1 {
		t.Errorf("CacheInfo = %+v", info)
	}

	if header := upstream.LastRequestHeader; header.Get("csrf") != testCSRF {
		t.Errorf("Upstream csrf header = %q", header.Get("csrf"))
	}
}

func TestFullFlow_SharedCacheAcrossClients(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetDevicesResponse(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"devices": []}`,
	})

	ctx := context.Background()

	first := newIntegrationClient(t, upstream, redisAddr)
	if _, err := first.Get(ctx, "/api/devices-v2/device"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// A second client sharing the Redis backend sees the cached response.
	second := newIntegrationClient(t, upstream, redisAddr)
	if _, err := second.Get(ctx, "/api/devices-v2/device"); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if n := upstream.GetRequestCount(); n != 1 {
		t.Errorf("Upstream requests = %d, want 1 (shared Redis cache)", n)
	}
}

func TestFullFlow_RetryAgainstFlakyUpstream(t *testing.T) {
	redisAddr, cleanup := setupRedis(t)
	defer cleanup()

	upstream := testutil.NewMockUpstream()
	defer upstream.Close()
	upstream.SetFlaky("/api/bootstrap", 2, http.StatusServiceUnavailable, `{"ok": true}`)

	c := newIntegrationClient(t, upstream, redisAddr)

	res, err := c.Get(context.Background(), "/api/bootstrap")
	if err != nil {
		t.Fatalf("Get should succeed after retries: %v", err)
	}
	if string(res.Body) != `{"ok": true}` {
		t.Errorf("Body = %s", res.Body)
	}
	if n := upstream.GetRequestCount(); n != 3 {
		t.Errorf("Upstream requests = %d, want 3 (two failures, one success)", n)
	}
}

func TestFullFlow_StaleFallbackSurvivesRestart(t *testing.T) {
	upstream := testutil.NewMockUpstream()
	upstream.SetDevicesResponse(testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"devices": ["echo"]}`,
	})

	cacheDir := t.TempDir()
	ctx := context.Background()

	cfg := client.Config{
		Domain:      "amazon.de",
		BaseURL:     upstream.URL(),
		Credentials: staticCredentials{token: testCSRF},
	}
	cfg.Session.CacheBackend = "disabled"
	cfg.Session.Retry = session.RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1.0,
	}
	cfg.Cache.Dir = cacheDir

	first, err := client.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if _, err := first.Get(ctx, "/api/devices-v2/device", client.WithCacheKey("devices")); err != nil {
		t.Fatalf("Warm-up Get failed: %v", err)
	}

	// Simulate a restart with the upstream down: a fresh client over the
	// same cache directory serves the persisted value.
	upstream.Close()

	second, err := client.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	res, err := second.Get(ctx, "/api/devices-v2/device", client.WithCacheKey("devices"))
	if err != nil {
		t.Fatalf("Get should serve the persisted stale value: %v", err)
	}
	if !res.FromCache {
		t.Error("Result should be marked FromCache")
	}
}
