package cache

import (
	"encoding/json"
	"time"
)

// Entry represents a cached value with its index metadata.
type Entry struct {
	// Key is the cache key the entry is stored under.
	Key string

	// Value is the cached value.
	Value any

	// Tags label the entry for bulk invalidation.
	Tags []string

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// ExpiresAt is when the entry becomes stale. Zero means never expires.
	ExpiresAt time.Time

	// Dependencies are keys this entry is derived from. Invalidating one of
	// them removes this entry.
	Dependencies []string
}

// IsExpired returns true if the entry has expired at the given time.
func (e *Entry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// DependsOn reports whether the entry lists key as a dependency.
func (e *Entry) DependsOn(key string) bool {
	for _, d := range e.Dependencies {
		if d == key {
			return true
		}
	}
	return false
}

// document is the on-disk shape of an entry.
type document struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Tags         []string        `json:"tags"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    *time.Time      `json:"expires_at"`
	Dependencies []string        `json:"dependencies"`
}

// toDocument converts an entry to its persisted form.
// Returns false if the value cannot be JSON-encoded.
func (e *Entry) toDocument() (*document, bool) {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return nil, false
	}

	doc := &document{
		Key:          e.Key,
		Value:        raw,
		Tags:         e.Tags,
		CreatedAt:    e.CreatedAt,
		Dependencies: e.Dependencies,
	}
	if !e.ExpiresAt.IsZero() {
		exp := e.ExpiresAt
		doc.ExpiresAt = &exp
	}
	return doc, true
}

// toEntry converts a persisted document back to an entry. Values come back
// as generic JSON types (map[string]any, []any, float64, string, bool).
func (d *document) toEntry() (*Entry, bool) {
	var value any
	if err := json.Unmarshal(d.Value, &value); err != nil {
		return nil, false
	}

	e := &Entry{
		Key:          d.Key,
		Value:        value,
		Tags:         d.Tags,
		CreatedAt:    d.CreatedAt,
		Dependencies: d.Dependencies,
	}
	if d.ExpiresAt != nil {
		e.ExpiresAt = *d.ExpiresAt
	}
	return e, true
}
