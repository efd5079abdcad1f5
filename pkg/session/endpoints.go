package session

import (
	"strings"
	"time"
)

// DefaultEndpointTTL applies to GET paths with no entry in the table.
const DefaultEndpointTTL = 60 * time.Second

// endpointTTLs maps URL-path substrings to response cache TTLs. A TTL of 0
// disables caching for that endpoint class. Longest match wins so that
// specific endpoints can override a broader prefix.
var endpointTTLs = map[string]time.Duration{
	"/api/devices-v2/device":        5 * time.Minute,
	"/api/behaviors/v2/automations": 10 * time.Minute,
	"/api/bootstrap":                5 * time.Minute,
	"/api/namedLists":               5 * time.Minute,
	"/api/notifications":            30 * time.Second,
	"/api/activities":               30 * time.Second,
	"/api/np/player":                5 * time.Second,
	"/api/np/queue":                 5 * time.Second,

	// Command/side-effect endpoints must never serve from cache.
	"/api/np/command":        0,
	"/api/behaviors/preview": 0,
	"/api/ping":              0,
}

// postCachePaths is the allow-list of POST endpoints whose responses may be
// cached briefly. The upstream exposes some read-only queries as POST.
var postCachePaths = map[string]time.Duration{
	"/api/phoenix/state": 10 * time.Second,
}

// ttlForPath resolves the cache TTL for a GET path by longest-substring
// match against the endpoint table.
func ttlForPath(path string) time.Duration {
	ttl := DefaultEndpointTTL
	best := -1
	for substr, t := range endpointTTLs {
		if strings.Contains(path, substr) && len(substr) > best {
			best = len(substr)
			ttl = t
		}
	}
	return ttl
}

// postTTLForPath resolves the cache TTL for a POST path. Only allow-listed
// paths are cacheable.
func postTTLForPath(path string) (time.Duration, bool) {
	for substr, t := range postCachePaths {
		if strings.Contains(path, substr) {
			return t, true
		}
	}
	return 0, false
}
