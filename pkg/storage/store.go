// Package storage provides durable, atomic, thread-safe JSON persistence.
//
// Documents are written via temp-file + fsync + atomic rename, so a reader
// never observes a half-written file: the file on disk is always either the
// previous complete version or the new complete version. Persistence faults
// are logged and reported as boolean results, never as errors; callers treat
// a failed load as "use the default".
//
// Multi-process use of the same base directory is not supported. Same-name
// operations are serialized by a per-name lock within one process only.
package storage

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for storage operations.
var (
	storageSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alexa_storage_saves_total",
		Help: "Total JSON document saves by result",
	}, []string{"result"})

	storageLoadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alexa_storage_load_failures_total",
		Help: "Total JSON document loads that fell back to the default",
	})
)

// Option configures a Store.
type Option func(*Store)

// WithCompression makes the store write gzip-compressed documents (.json.gz).
func WithCompression() Option {
	return func(s *Store) {
		s.compress = true
	}
}

// Store persists named JSON documents under a base directory.
type Store struct {
	dir      string
	compress bool
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		dir:    dir,
		logger: logger.With().Str("component", "json-store").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return s, nil
}

// lockFor returns the lock serializing operations on a single document name.
func (s *Store) lockFor(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// path returns the on-disk path for a document name.
func (s *Store) path(name string) string {
	ext := ".json"
	if s.compress {
		ext = ".json.gz"
	}
	return filepath.Join(s.dir, name+ext)
}

// Load reads the named document into dest.
// Returns false if the file is absent or unparsable; corruption is logged,
// not propagated, and dest is left for the caller's default.
func (s *Store) Load(name string, dest any) bool {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(name)

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			storageLoadFailuresTotal.Inc()
			s.logger.Warn().Err(err).Str("name", name).Msg("Failed to open stored document")
		}
		return false
	}
	defer f.Close()

	var r io.Reader = f
	if s.compress {
		gz, err := gzip.NewReader(f)
		if err != nil {
			storageLoadFailuresTotal.Inc()
			s.logger.Warn().Err(err).Str("name", name).Msg("Stored document is not valid gzip")
			return false
		}
		defer gz.Close()
		r = gz
	}

	if err := json.NewDecoder(r).Decode(dest); err != nil {
		storageLoadFailuresTotal.Inc()
		s.logger.Warn().Err(err).Str("name", name).Msg("Stored document is corrupt, using default")
		return false
	}

	return true
}

// Save writes v as the named document atomically.
// When backup is true and a prior file exists, it is copied to a .bak sibling
// first (best effort). Returns false on any I/O failure; the previous file is
// left untouched and the temp file is removed.
func (s *Store) Save(name string, v any, backup bool) bool {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(name)

	if backup {
		s.backup(name, path)
	}

	// Temp file must live in the same directory so the rename stays atomic.
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		storageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to create temp file")
		return false
	}
	tmpName := tmp.Name()

	if err := s.encode(tmp, v); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		storageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to encode document")
		return false
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		storageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to sync temp file")
		return false
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		storageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to close temp file")
		return false
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		storageSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("name", name).Msg("Failed to rename temp file over document")
		return false
	}

	storageSavesTotal.WithLabelValues("success").Inc()
	return true
}

// encode writes v to w as JSON, gzip-wrapped if compression is enabled.
func (s *Store) encode(w io.Writer, v any) error {
	if s.compress {
		gz := gzip.NewWriter(w)
		if err := json.NewEncoder(gz).Encode(v); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	}
	return json.NewEncoder(w).Encode(v)
}

// backup copies the current document to its .bak sibling, best effort.
// A backup failure never aborts the save.
func (s *Store) backup(name, path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("Failed to create backup file")
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("Failed to copy backup file")
	}
}

// Delete removes the named document. Returns true if a file was removed.
func (s *Store) Delete(name string) bool {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("name", name).Msg("Failed to delete stored document")
	}
	return err == nil
}

// Exists reports whether the named document is present on disk.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Names lists the document names currently present on disk.
func (s *Store) Names() []string {
	ext := ".json"
	if s.compress {
		ext = ".json.gz"
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if len(n) > len(ext) && n[len(n)-len(ext):] == ext {
			names = append(names, n[:len(n)-len(ext)])
		}
	}
	return names
}
