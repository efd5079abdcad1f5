// Package cache provides a tag-indexed, dependency-aware, memory+disk cache.
//
// Entries live in an in-memory map and are written through to a disk tier
// built on pkg/storage, so cached API responses survive a restart. The cache
// supports:
//
//   - Per-entry TTL, resolved from an explicit option, the first tag's class
//     TTL, or the cache default
//   - Tags with bulk invalidation (InvalidateByTag)
//   - Glob-pattern invalidation (InvalidateByPattern)
//   - One-level dependency cascade (InvalidateDependencies)
//   - Lazy eviction of expired entries on Get
//   - Hit/miss/invalidation counters and Prometheus metrics
//
// # Basic Usage
//
//	c, err := cache.New(cache.Config{Dir: "/var/cache/alexa"}, logger)
//	if err != nil {
//		return err
//	}
//
//	c.Set("devices", deviceList,
//		cache.WithTags("devices"),
//		cache.WithTTL(5*time.Minute),
//	)
//
//	if v, ok := c.Get("devices"); ok {
//		// cache hit
//	}
//
// # Invalidation
//
//	c.Invalidate("devices")                  // single key
//	c.InvalidateByTag("devices")             // every key tagged "devices"
//	c.InvalidateByPattern("device:*")        // glob over keys
//	c.InvalidateDependencies("devices")      // entries derived from "devices"
//
// # Consistency
//
// The entries map and the tag index are mutated together under a single
// lock: no tag ever references a key absent from the entries map, and no
// entry carries a tag absent from the index. The disk tier is best effort;
// a persistence failure degrades the entry to memory-only and is never
// surfaced as an error.
//
// Sharing the disk directory between processes is not supported.
package cache
