package cache

import "time"

// DefaultTTL is the fallback lifetime when neither the caller nor the
// entry's first tag provides one.
const DefaultTTL = 5 * time.Minute

// tagTTLs maps tag classes to their default entry lifetime. The classes
// mirror how volatile each upstream domain is: player state changes within
// seconds, automation definitions rarely.
var tagTTLs = map[string]time.Duration{
	"devices":  5 * time.Minute,
	"routines": 10 * time.Minute,
	"alarms":   2 * time.Minute,
	"timers":   1 * time.Minute,
	"lists":    5 * time.Minute,
	"music":    3 * time.Minute,
	"player":   15 * time.Second,
}

// ttlForTags returns the class TTL of the first tag, if it has one.
func ttlForTags(tags []string) (time.Duration, bool) {
	if len(tags) == 0 {
		return 0, false
	}
	ttl, ok := tagTTLs[tags[0]]
	return ttl, ok
}
