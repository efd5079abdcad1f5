package cache

import (
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fzeiser/alexa-api-client/pkg/storage"
)

// Config holds tagged-cache configuration.
type Config struct {
	// Dir is the disk-tier directory.
	Dir string

	// Compress enables gzip compression of disk artifacts.
	Compress bool

	// DefaultTTL is the entry lifetime when neither the caller nor a tag
	// class provides one. Defaults to DefaultTTL.
	DefaultTTL time.Duration
}

// Stats describes cache effectiveness counters.
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Invalidations uint64  `json:"invalidations"`
	Expirations   uint64  `json:"expirations"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
	EntriesCount  int     `json:"entries_count"`
	TagsCount     int     `json:"tags_count"`
}

// SetOption configures a single Set call.
type SetOption func(*setOptions)

type setOptions struct {
	tags   []string
	ttl    time.Duration
	ttlSet bool
	deps   []string
}

// WithTags labels the entry for bulk invalidation. The first tag's class
// TTL applies when no explicit TTL is given.
func WithTags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = tags }
}

// WithTTL sets an explicit entry lifetime. Zero or negative means the entry
// never expires.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = ttl
		o.ttlSet = true
	}
}

// WithDependencies records the keys this entry is derived from.
func WithDependencies(keys ...string) SetOption {
	return func(o *setOptions) { o.deps = keys }
}

// Cache is a tag-indexed memory+disk cache with TTL-based and explicit
// invalidation. The entries map and the tag index are mutated together
// under one lock; the index is a derived view, never an independent source
// of truth. The disk tier is written through pkg/storage exclusively.
type Cache struct {
	store      *storage.Store
	defaultTTL time.Duration
	logger     zerolog.Logger

	// now is replaceable in tests to control expiry.
	now func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry
	tagIndex map[string]map[string]struct{}

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	expirations   atomic.Uint64
}

// fileNameReplacer makes cache keys filesystem-safe.
var fileNameReplacer = strings.NewReplacer("/", "_", "\\", "_")

// New creates a tagged cache with its disk tier rooted at cfg.Dir.
func New(cfg Config, logger zerolog.Logger) (*Cache, error) {
	var opts []storage.Option
	if cfg.Compress {
		opts = append(opts, storage.WithCompression())
	}

	store, err := storage.New(cfg.Dir, logger, opts...)
	if err != nil {
		return nil, err
	}

	defaultTTL := cfg.DefaultTTL
	if defaultTTL == 0 {
		defaultTTL = DefaultTTL
	}

	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     logger.With().Str("component", "tagged-cache").Logger(),
		now:        time.Now,
		entries:    make(map[string]*Entry),
		tagIndex:   make(map[string]map[string]struct{}),
	}, nil
}

// fileName returns the disk-tier document name for a cache key.
func (c *Cache) fileName(key string) string {
	return fileNameReplacer.Replace(key)
}

// Set stores a value under key. TTL resolution order: explicit WithTTL,
// the first tag's class TTL, then the cache default. The entry is written
// through to disk; a persistence failure is logged and swallowed, the
// in-memory set still succeeds.
func (c *Cache) Set(key string, value any, opts ...SetOption) bool {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	now := c.now()
	e := &Entry{
		Key:          key,
		Value:        value,
		Tags:         o.tags,
		CreatedAt:    now,
		Dependencies: o.deps,
	}

	var ttl time.Duration
	if o.ttlSet {
		ttl = o.ttl
	} else if classTTL, ok := ttlForTags(o.tags); ok {
		ttl = classTTL
	} else {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	c.detachLocked(key)
	c.entries[key] = e
	for _, tag := range e.Tags {
		keys, ok := c.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	c.persist(e)

	c.logger.Debug().
		Str("cache_key", key).
		Strs("tags", e.Tags).
		Dur("ttl", ttl).
		Msg("Cache entry stored")

	return true
}

// persist writes an entry to the disk tier, best effort.
func (c *Cache) persist(e *Entry) {
	doc, ok := e.toDocument()
	if !ok {
		CachePersistErrors.Inc()
		c.logger.Warn().Str("cache_key", e.Key).Msg("Cache value not JSON-encodable, memory only")
		return
	}
	if !c.store.Save(c.fileName(e.Key), doc, false) {
		CachePersistErrors.Inc()
		c.logger.Warn().Str("cache_key", e.Key).Msg("Cache persist failed, memory only")
	}
}

// Get returns the value cached under key. The memory tier is checked first;
// an expired entry is evicted from both tiers. On a memory miss the disk
// tier is consulted and a fresh entry promoted into memory.
func (c *Cache) Get(key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.IsExpired(now) {
			c.detachLocked(key)
			CacheEntries.Set(float64(len(c.entries)))
			c.mu.Unlock()

			c.store.Delete(c.fileName(key))
			c.expirations.Add(1)
			c.misses.Add(1)
			CacheExpirations.Inc()
			CacheMisses.Inc()
			c.logger.Debug().Str("cache_key", key).Msg("Cache entry expired, evicted")
			return nil, false
		}

		v := e.Value
		c.mu.Unlock()
		c.hits.Add(1)
		CacheHits.WithLabelValues("memory").Inc()
		return v, true
	}
	c.mu.Unlock()

	if e, ok := c.loadFromDisk(key, now); ok {
		c.hits.Add(1)
		CacheHits.WithLabelValues("disk").Inc()
		return e.Value, true
	}

	c.misses.Add(1)
	CacheMisses.Inc()
	return nil, false
}

// loadFromDisk loads key from the disk tier and promotes a fresh entry
// into memory.
func (c *Cache) loadFromDisk(key string, now time.Time) (*Entry, bool) {
	var doc document
	if !c.store.Load(c.fileName(key), &doc) {
		return nil, false
	}

	e, ok := doc.toEntry()
	if !ok {
		c.store.Delete(c.fileName(key))
		return nil, false
	}

	if e.IsExpired(now) {
		c.store.Delete(c.fileName(key))
		c.expirations.Add(1)
		CacheExpirations.Inc()
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A concurrent Set may have won the race; memory stays authoritative.
	if existing, exists := c.entries[key]; exists {
		return existing, true
	}

	c.entries[key] = e
	for _, tag := range e.Tags {
		keys, exists := c.tagIndex[tag]
		if !exists {
			keys = make(map[string]struct{})
			c.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
	CacheEntries.Set(float64(len(c.entries)))

	c.logger.Debug().Str("cache_key", key).Msg("Cache entry promoted from disk")
	return e, true
}

// detachLocked removes key from the entries map and the tag index.
// Caller must hold c.mu.
func (c *Cache) detachLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range e.Tags {
		if keys, exists := c.tagIndex[tag]; exists {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.tagIndex, tag)
			}
		}
	}
}

// Invalidate removes key from both tiers. Returns whether anything was
// removed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	_, inMemory := c.entries[key]
	c.detachLocked(key)
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	onDisk := c.store.Delete(c.fileName(key))

	removed := inMemory || onDisk
	if removed {
		c.invalidations.Add(1)
		CacheInvalidations.WithLabelValues("key").Inc()
	}
	return removed
}

// InvalidateByTag removes every key currently indexed under tag.
func (c *Cache) InvalidateByTag(tag string) int {
	c.mu.Lock()
	var keys []string
	for key := range c.tagIndex[tag] {
		keys = append(keys, key)
	}
	for _, key := range keys {
		c.detachLocked(key)
	}
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, key := range keys {
		c.store.Delete(c.fileName(key))
	}

	c.invalidations.Add(uint64(len(keys)))
	CacheInvalidations.WithLabelValues("tag").Add(float64(len(keys)))

	c.logger.Debug().Str("tag", tag).Int("count", len(keys)).Msg("Cache invalidated by tag")
	return len(keys)
}

// InvalidateByPattern removes every key matching the glob pattern.
func (c *Cache) InvalidateByPattern(pattern string) int {
	c.mu.Lock()
	var keys []string
	for key := range c.entries {
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		c.detachLocked(key)
	}
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, key := range keys {
		c.store.Delete(c.fileName(key))
	}

	c.invalidations.Add(uint64(len(keys)))
	CacheInvalidations.WithLabelValues("pattern").Add(float64(len(keys)))
	return len(keys)
}

// InvalidateDependencies removes every entry whose dependency set contains
// key. One level only: dependents of the removed entries are untouched.
func (c *Cache) InvalidateDependencies(key string) int {
	c.mu.Lock()
	var dependents []string
	for k, e := range c.entries {
		if e.DependsOn(key) {
			dependents = append(dependents, k)
		}
	}
	for _, k := range dependents {
		c.detachLocked(k)
	}
	CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	for _, k := range dependents {
		c.store.Delete(c.fileName(k))
	}

	c.invalidations.Add(uint64(len(dependents)))
	CacheInvalidations.WithLabelValues("dependency").Add(float64(len(dependents)))

	c.logger.Debug().Str("cache_key", key).Int("count", len(dependents)).Msg("Dependent cache entries invalidated")
	return len(dependents)
}

// ClearAll removes every entry from both tiers.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	count := len(c.entries)
	c.entries = make(map[string]*Entry)
	c.tagIndex = make(map[string]map[string]struct{})
	CacheEntries.Set(0)
	c.mu.Unlock()

	// Disk may hold entries from a previous run that were never promoted.
	for _, name := range c.store.Names() {
		c.store.Delete(name)
	}

	c.invalidations.Add(uint64(count))
	CacheInvalidations.WithLabelValues("clear").Add(float64(count))
	return count
}

// Stats returns cache effectiveness counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	c.mu.Lock()
	entriesCount := len(c.entries)
	tagsCount := len(c.tagIndex)
	c.mu.Unlock()

	return Stats{
		Hits:          hits,
		Misses:        misses,
		Invalidations: c.invalidations.Load(),
		Expirations:   c.expirations.Load(),
		TotalRequests: total,
		HitRate:       hitRate,
		EntriesCount:  entriesCount,
		TagsCount:     tagsCount,
	}
}
