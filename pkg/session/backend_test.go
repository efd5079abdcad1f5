package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisBackend(t *testing.T) *redisBackend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return newRedisBackend(client, zerolog.Nop())
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.Set(ctx, "GET:https://x/api/bootstrap", []byte("payload"), time.Minute)

	data, ok := b.Get(ctx, "GET:https://x/api/bootstrap")
	if !ok {
		t.Fatal("Expected hit after Set")
	}
	if string(data) != "payload" {
		t.Errorf("Get = %q", data)
	}

	if _, ok := b.Get(ctx, "GET:https://x/api/other"); ok {
		t.Error("Unstored key should miss")
	}
}

func TestRedisBackend_ZeroTTLNotStored(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.Set(ctx, "k", []byte("v"), 0)

	if _, ok := b.Get(ctx, "k"); ok {
		t.Error("Zero TTL must not store")
	}
}

func TestRedisBackend_Delete(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.Set(ctx, "k", []byte("v"), time.Minute)
	b.Delete(ctx, "k")

	if _, ok := b.Get(ctx, "k"); ok {
		t.Error("Key should be gone after Delete")
	}
}

func TestRedisBackend_ClearAndEntries(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	b.Set(ctx, "a", []byte("1"), time.Minute)
	b.Set(ctx, "b", []byte("22"), time.Minute)

	if n := b.Entries(ctx); n != 2 {
		t.Errorf("Entries = %d, want 2", n)
	}
	if size := b.SizeBytes(ctx); size != 3 {
		t.Errorf("SizeBytes = %d, want 3", size)
	}

	if n := b.Clear(ctx); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if n := b.Entries(ctx); n != 0 {
		t.Errorf("Entries after clear = %d, want 0", n)
	}
}

func TestRedisBackend_Expiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b := newRedisBackend(client, zerolog.Nop())
	ctx := context.Background()

	b.Set(ctx, "k", []byte("v"), time.Second)
	mr.FastForward(2 * time.Second)

	if _, ok := b.Get(ctx, "k"); ok {
		t.Error("Key should expire with its TTL")
	}
}

func TestMemoryBackend_RoundTrip(t *testing.T) {
	b, err := newMemoryBackend(time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("newMemoryBackend failed: %v", err)
	}
	ctx := context.Background()

	b.Set(ctx, "k", []byte("v"), time.Minute)

	data, ok := b.Get(ctx, "k")
	if !ok || string(data) != "v" {
		t.Errorf("Get = %q, %v", data, ok)
	}

	if n := b.Entries(ctx); n != 1 {
		t.Errorf("Entries = %d, want 1", n)
	}

	b.Delete(ctx, "k")
	if _, ok := b.Get(ctx, "k"); ok {
		t.Error("Key should be gone after Delete")
	}
}

func TestMemoryBackend_Clear(t *testing.T) {
	b, err := newMemoryBackend(time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("newMemoryBackend failed: %v", err)
	}
	ctx := context.Background()

	b.Set(ctx, "a", []byte("1"), time.Minute)
	b.Set(ctx, "b", []byte("2"), time.Minute)

	if n := b.Clear(ctx); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if n := b.Entries(ctx); n != 0 {
		t.Errorf("Entries after clear = %d, want 0", n)
	}
}
