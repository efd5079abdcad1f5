package client

import "strings"

// pathTags maps URL-path substrings to the tag class used for write-through
// cache entries, so callers can invalidate a whole domain at once.
var pathTags = map[string]string{
	"/api/devices-v2":               "devices",
	"/api/device-preferences":       "devices",
	"/api/behaviors/v2/automations": "routines",
	"/api/notifications":            "alarms",
	"/api/timers":                   "timers",
	"/api/namedLists":               "lists",
	"/api/np/":                      "music",
	"/api/media":                    "music",
}

// tagForPath derives the default cache tag for a request path. Longest
// match wins; unknown paths get no tag.
func tagForPath(path string) string {
	tag := ""
	best := -1
	for substr, t := range pathTags {
		if strings.Contains(path, substr) && len(substr) > best {
			best = len(substr)
			tag = t
		}
	}
	return tag
}
