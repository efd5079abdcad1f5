package token

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeSource is a scriptable credential source.
type fakeSource struct {
	mu     sync.Mutex
	token  string
	pulls  int
}

func (f *fakeSource) CurrentCSRFToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return f.token
}

func (f *fakeSource) setToken(tok string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = tok
}

func (f *fakeSource) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func newTestManager(src CredentialSource) *Manager {
	return NewManager(src, zerolog.Nop())
}

func TestIsValidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{
			name:  "amzn prefix at minimum length",
			token: "amzn." + strings.Repeat("x", 5),
			want:  true,
		},
		{
			name:  "nine characters is too short",
			token: "amzn.xxxx",
			want:  false,
		},
		{
			name:  "long alphanumeric with hyphens",
			token: "aB3-dE6_gH9-jK2-mN5-pQ8cd",
			want:  true,
		},
		{
			name:  "alphanumeric but not longer than 20",
			token: "abcdefghij1234567890",
			want:  false,
		},
		{
			name:  "invalid character",
			token: "abcdefghij1234567890@abcd",
			want:  false,
		},
		{
			name:  "empty",
			token: "",
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidToken(tt.token); got != tt.want {
				t.Errorf("IsValidToken(%q) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

func TestManager_Get_PullsAndCaches(t *testing.T) {
	src := &fakeSource{token: "amzn.valid-token-12345"}
	m := newTestManager(src)

	tok, err := m.Get(true)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if tok != "amzn.valid-token-12345" {
		t.Errorf("Get = %q, want pulled token", tok)
	}

	// Second call within the freshness window must not re-pull.
	if _, err := m.Get(true); err != nil {
		t.Fatalf("Second Get failed: %v", err)
	}
	if src.pullCount() != 1 {
		t.Errorf("Pull count = %d, want 1 (cached)", src.pullCount())
	}
}

func TestManager_Get_RefreshAfterExpiry(t *testing.T) {
	src := &fakeSource{token: "amzn.first-token-00001"}
	m := newTestManager(src)

	if _, err := m.Get(true); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Force the cached timestamp past the freshness window.
	m.mu.Lock()
	m.acquiredAt = m.now().Add(-(MaxTokenAge + time.Second))
	m.mu.Unlock()

	src.setToken("amzn.second-token-0002")

	tok, err := m.Get(true)
	if err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if tok != "amzn.second-token-0002" {
		t.Errorf("Get = %q, want re-pulled token", tok)
	}
	if src.pullCount() != 2 {
		t.Errorf("Pull count = %d, want 2", src.pullCount())
	}
}

func TestManager_Get_InvalidPullDiscarded(t *testing.T) {
	src := &fakeSource{token: "short"}
	m := newTestManager(src)

	_, err := m.Get(true)
	if err == nil {
		t.Fatal("Get should fail when the source yields an invalid token")
	}

	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Errorf("Error type = %T, want *SecurityError", err)
	}

	// Every Get re-pulls while nothing valid is cached.
	m.Get(false)
	if src.pullCount() != 2 {
		t.Errorf("Pull count = %d, want 2 (invalid token never cached)", src.pullCount())
	}
}

func TestManager_Get_NoValidateReturnsEmpty(t *testing.T) {
	src := &fakeSource{token: ""}
	m := newTestManager(src)

	tok, err := m.Get(false)
	if err != nil {
		t.Fatalf("Get(false) should not fail: %v", err)
	}
	if tok != "" {
		t.Errorf("Get = %q, want empty string", tok)
	}
}

func TestManager_GetSafe(t *testing.T) {
	src := &fakeSource{token: "bad"}
	m := newTestManager(src)

	if got := m.GetSafe("fallback"); got != "fallback" {
		t.Errorf("GetSafe = %q, want fallback", got)
	}

	src.setToken("amzn.good-token-123456")
	if got := m.GetSafe("fallback"); got != "amzn.good-token-123456" {
		t.Errorf("GetSafe = %q, want pulled token", got)
	}
}

func TestManager_Invalidate(t *testing.T) {
	src := &fakeSource{token: "amzn.valid-token-12345"}
	m := newTestManager(src)

	if _, err := m.Get(true); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	m.Invalidate()

	stats := m.Stats()
	if stats.Cached {
		t.Error("Stats.Cached should be false after Invalidate")
	}
	if !stats.NeedsRefresh {
		t.Error("Stats.NeedsRefresh should be true after Invalidate")
	}

	if _, err := m.Get(true); err != nil {
		t.Fatalf("Get after Invalidate failed: %v", err)
	}
	if src.pullCount() != 2 {
		t.Errorf("Pull count = %d, want 2 (re-pull forced)", src.pullCount())
	}
}

func TestManager_Stats(t *testing.T) {
	src := &fakeSource{token: "amzn.valid-token-12345"}
	m := newTestManager(src)

	stats := m.Stats()
	if stats.Cached || stats.Valid {
		t.Error("Fresh manager should report no cached token")
	}

	m.Get(true)

	stats = m.Stats()
	if !stats.Cached || !stats.Valid {
		t.Errorf("Stats after Get = %+v, want cached and valid", stats)
	}
	if stats.TokenLength != len("amzn.valid-token-12345") {
		t.Errorf("TokenLength = %d", stats.TokenLength)
	}
	if stats.NeedsRefresh {
		t.Error("Fresh token should not need refresh")
	}
}

func TestManager_ConcurrentGet(t *testing.T) {
	src := &fakeSource{token: "amzn.valid-token-12345"}
	m := newTestManager(src)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%5 == 0 {
				m.Invalidate()
			} else {
				m.Get(true)
			}
		}(i)
	}
	wg.Wait()

	// The manager must still be in a coherent state.
	if _, err := m.Get(true); err != nil {
		t.Fatalf("Get after concurrent access failed: %v", err)
	}
}
