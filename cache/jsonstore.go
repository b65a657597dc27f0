package cache

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonFileVersion is bumped whenever the on-disk layout changes. Files with
// another version are discarded on load.
const jsonFileVersion = 1

type jsonFile struct {
	Version int                            `json:"version"`
	Entries map[string]jsoniter.RawMessage `json:"entries"`
}

// JSONOptions configure a JSONStore.
type JSONOptions struct {
	Compress bool
	Logger   *slog.Logger
}

// JSONStore keeps one JSON document per namespace under a directory
// (<dir>/<ns>.json, or <ns>.json.zst when compressed). Values must be valid
// JSON. Namespaces are loaded on first access; writes stay in memory until
// Flush, which replaces each dirty file atomically.
type JSONStore struct {
	dir      string
	compress bool
	log      *slog.Logger

	mu     sync.Mutex
	spaces map[string]*jsonSpace
	closed bool
}

type jsonSpace struct {
	entries map[string]jsoniter.RawMessage
	dirty   bool
}

// NewJSONStore creates the cache directory if needed.
func NewJSONStore(dir string, opts JSONOptions) (*JSONStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("json cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &JSONStore{
		dir:      dir,
		compress: opts.Compress,
		log:      discardLogger(opts.Logger),
		spaces:   make(map[string]*jsonSpace),
	}, nil
}

func (s *JSONStore) path(ns string) string {
	name := ns + ".json"
	if s.compress {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

// space returns the loaded namespace. Caller holds s.mu.
func (s *JSONStore) space(ns string) *jsonSpace {
	if sp, ok := s.spaces[ns]; ok {
		return sp
	}
	entries, err := s.load(ns)
	if err != nil {
		s.log.Warn("discarding unreadable cache namespace", "namespace", ns, "error", err)
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]jsoniter.RawMessage)
	}
	sp := &jsonSpace{entries: entries}
	s.spaces[ns] = sp
	return sp
}

func (s *JSONStore) load(ns string) (map[string]jsoniter.RawMessage, error) {
	f, err := os.Open(s.path(ns))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if s.compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ns, err)
	}
	var doc jsonFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ns, err)
	}
	if doc.Version != jsonFileVersion {
		return nil, fmt.Errorf("%s has version %d, want %d", ns, doc.Version, jsonFileVersion)
	}
	return doc.Entries, nil
}

func (s *JSONStore) Get(ns, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.space(ns).entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *JSONStore) Set(ns, key string, value []byte) error {
	if !validJSON(value) {
		return fmt.Errorf("json cache: value for %s/%s is not valid JSON", ns, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sp := s.space(ns)
	sp.entries[key] = append(jsoniter.RawMessage(nil), value...)
	sp.dirty = true
	return nil
}

// validJSON accepts any JSON value, scalars included, with nothing after it.
func validJSON(data []byte) bool {
	var v interface{}
	return json.Unmarshal(data, &v) == nil
}

func (s *JSONStore) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	sp := s.space(ns)
	if _, ok := sp.entries[key]; ok {
		delete(sp.entries, key)
		sp.dirty = true
	}
	return nil
}

func (s *JSONStore) Clear(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.spaces[ns] = &jsonSpace{entries: make(map[string]jsoniter.RawMessage)}
	if err := os.Remove(s.path(ns)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", ns, err)
	}
	return nil
}

func (s *JSONStore) Keys(ns string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	entries := s.space(ns).entries
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush writes every dirty namespace.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *JSONStore) flushLocked() error {
	names := make([]string, 0, len(s.spaces))
	for ns, sp := range s.spaces {
		if sp.dirty {
			names = append(names, ns)
		}
	}
	sort.Strings(names)
	for _, ns := range names {
		sp := s.spaces[ns]
		if err := s.write(ns, sp.entries); err != nil {
			return err
		}
		sp.dirty = false
	}
	return nil
}

func (s *JSONStore) write(ns string, entries map[string]jsoniter.RawMessage) error {
	data, err := json.Marshal(jsonFile{Version: jsonFileVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ns, err)
	}
	if s.compress {
		var compressed bytes.Buffer
		enc, err := zstd.NewWriter(&compressed)
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return fmt.Errorf("compressing %s: %w", ns, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("closing encoder: %w", err)
		}
		data = compressed.Bytes()
	}
	return writeFileAtomic(s.path(ns), data)
}

// Close flushes and releases the store.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	s.spaces = nil
	return err
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
