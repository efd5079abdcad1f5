package session

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend stores serialized response records. Implementations swallow their
// own faults: the response cache is an optimization, never a contract.
type Backend interface {
	// Name identifies the backend in CacheInfo.
	Name() string

	// Get returns the record bytes for key, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores record bytes under key for ttl.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)

	// Delete removes key.
	Delete(ctx context.Context, key string)

	// Clear removes every record and returns how many were removed.
	Clear(ctx context.Context) int

	// Entries returns the current record count.
	Entries(ctx context.Context) int

	// SizeBytes returns the approximate stored size.
	SizeBytes(ctx context.Context) int64
}

// redisKeyPrefix namespaces session cache records in Redis.
const redisKeyPrefix = "alexa:session:"

// memoryBackend caches records in-process using bigcache.
type memoryBackend struct {
	cache  *bigcache.BigCache
	logger zerolog.Logger
}

// newMemoryBackend creates the default in-memory backend. The bigcache life
// window is an upper bound; per-record freshness is enforced by the session
// via the record's expiry.
func newMemoryBackend(lifeWindow time.Duration, logger zerolog.Logger) (*memoryBackend, error) {
	if lifeWindow <= 0 {
		lifeWindow = 10 * time.Minute
	}

	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.Verbose = false

	bc, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	return &memoryBackend{cache: bc, logger: logger}, nil
}

func (b *memoryBackend) Name() string { return "memory" }

func (b *memoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	data, err := b.cache.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			b.logger.Warn().Err(err).Str("key", key).Msg("Memory backend get failed")
		}
		return nil, false
	}
	return data, true
}

func (b *memoryBackend) Set(_ context.Context, key string, data []byte, _ time.Duration) {
	if err := b.cache.Set(key, data); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Memory backend set failed")
	}
}

func (b *memoryBackend) Delete(_ context.Context, key string) {
	if err := b.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		b.logger.Warn().Err(err).Str("key", key).Msg("Memory backend delete failed")
	}
}

func (b *memoryBackend) Clear(_ context.Context) int {
	n := b.cache.Len()
	if err := b.cache.Reset(); err != nil {
		b.logger.Warn().Err(err).Msg("Memory backend reset failed")
		return 0
	}
	return n
}

func (b *memoryBackend) Entries(_ context.Context) int { return b.cache.Len() }

func (b *memoryBackend) SizeBytes(_ context.Context) int64 { return int64(b.cache.Capacity()) }

// redisBackend caches records in Redis, sharing them across processes.
type redisBackend struct {
	client *redis.Client
	logger zerolog.Logger
}

// newRedisBackend creates a Redis-backed response cache.
func newRedisBackend(client *redis.Client, logger zerolog.Logger) *redisBackend {
	return &redisBackend{client: client, logger: logger}
}

func (b *redisBackend) Name() string { return "redis" }

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool) {
	data, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			b.logger.Warn().Err(err).Str("key", key).Msg("Redis backend get failed")
		}
		return nil, false
	}
	return data, true
}

func (b *redisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Redis backend set failed")
	}
}

func (b *redisBackend) Delete(ctx context.Context, key string) {
	if err := b.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Redis backend delete failed")
	}
}

func (b *redisBackend) Clear(ctx context.Context) int {
	keys, err := b.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		b.logger.Warn().Err(err).Msg("Redis backend clear failed")
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("Redis backend clear failed")
		return 0
	}
	return len(keys)
}

func (b *redisBackend) Entries(ctx context.Context) int {
	keys, err := b.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	return len(keys)
}

func (b *redisBackend) SizeBytes(ctx context.Context) int64 {
	keys, err := b.client.Keys(ctx, redisKeyPrefix+"*").Result()
	if err != nil {
		return 0
	}
	var total int64
	for _, key := range keys {
		n, err := b.client.StrLen(ctx, key).Result()
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// disabledBackend turns the response cache off.
type disabledBackend struct{}

func (disabledBackend) Name() string { return "disabled" }

func (disabledBackend) Get(context.Context, string) ([]byte, bool) { return nil, false }

func (disabledBackend) Set(context.Context, string, []byte, time.Duration) {}

func (disabledBackend) Delete(context.Context, string) {}

func (disabledBackend) Clear(context.Context) int { return 0 }

func (disabledBackend) Entries(context.Context) int { return 0 }

func (disabledBackend) SizeBytes(context.Context) int64 { return 0 }
