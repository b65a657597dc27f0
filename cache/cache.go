// Package cache provides the content cache used by builds: a namespaced
// key/value store with in-memory, JSON file and SQLite backends.
//
// The cache is never authoritative. Every reader treats a missing, unreadable
// or undecodable entry as a miss and recomputes from source.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Namespaces used by the build pipeline.
const (
	NamespaceFileTracker = "file-tracker"
	NamespaceElements    = "elements"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: store is closed")

// Store is a namespaced key/value store.
type Store interface {
	// Get returns the value for key. A miss returns ok == false and a nil error.
	Get(ns, key string) (value []byte, ok bool, err error)
	Set(ns, key string, value []byte) error
	Delete(ns, key string) error
	// Clear drops every entry in ns.
	Clear(ns string) error
	// Keys returns the keys of ns in sorted order.
	Keys(ns string) ([]string, error)
	// Flush makes pending writes durable.
	Flush() error
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendJSON   Backend = "json"
	BackendSQLite Backend = "sqlite"
)

// ParseBackend validates a backend name. The empty string selects JSON.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendJSON, nil
	case BackendMemory, BackendJSON, BackendSQLite:
		return b, nil
	default:
		return "", fmt.Errorf("unknown cache backend %q (want memory, json or sqlite)", s)
	}
}

// Options configure Open.
type Options struct {
	Backend Backend
	// Dir is the cache root. Ignored by the memory backend.
	Dir string
	// Compress enables zstd for the JSON backend.
	Compress bool
	Logger   *slog.Logger
}

// Open creates a store for opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendJSON, "":
		return NewJSONStore(opts.Dir, JSONOptions{Compress: opts.Compress, Logger: opts.Logger})
	case BackendSQLite:
		return OpenSQLite(filepath.Join(opts.Dir, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

func discardLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
