package cache

import (
	"fmt"
	"log/slog"
	"strings"

	"gqlbuild/artifact"
)

// NamespaceModules holds one entry per analyzed file: the element ids and
// relative imports found in it, keyed by the file's fingerprint.
const NamespaceModules = "modules"

// elementSchemaVersion invalidates every element entry when bumped.
const elementSchemaVersion = 2

type elementEntry struct {
	Version     int              `json:"version"`
	Fingerprint string           `json:"fingerprint"`
	Element     artifact.Element `json:"element"`
}

// ModuleEntry is the cached analysis summary of one file.
type ModuleEntry struct {
	Version     int      `json:"version"`
	Fingerprint string   `json:"fingerprint"`
	IDs         []string `json:"ids"`
	Imports     []string `json:"imports"`
	// Specifiers are the raw relative import specifiers, resolved or not.
	Specifiers  []string `json:"specifiers"`
}

// ElementCache stores compiled elements keyed by canonical id together with
// the fingerprint of the owning file. A hit requires both to match.
type ElementCache struct {
	store Store
	log   *slog.Logger
}

// NewElementCache wraps store.
func NewElementCache(store Store, logger *slog.Logger) *ElementCache {
	return &ElementCache{store: store, log: discardLogger(logger)}
}

// Get returns the element for id if it was stored under ownerFingerprint.
func (c *ElementCache) Get(id, ownerFingerprint string) (artifact.Element, bool) {
	entry, ok := c.entry(id)
	if !ok || entry.Fingerprint != ownerFingerprint {
		return artifact.Element{}, false
	}
	return entry.Element, true
}

// Stale returns the last element stored for id regardless of fingerprint.
// Used to retain a previous value when recompilation fails.
func (c *ElementCache) Stale(id string) (artifact.Element, bool) {
	entry, ok := c.entry(id)
	if !ok {
		return artifact.Element{}, false
	}
	return entry.Element, true
}

func (c *ElementCache) entry(id string) (elementEntry, bool) {
	data, ok, err := c.store.Get(NamespaceElements, id)
	if err != nil {
		c.log.Warn("element cache read failed", "id", id, "error", err)
		return elementEntry{}, false
	}
	if !ok {
		return elementEntry{}, false
	}
	var entry elementEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Version != elementSchemaVersion {
		c.log.Debug("discarding element cache entry", "id", id, "error", err)
		return elementEntry{}, false
	}
	return entry, true
}

// Put stores el under ownerFingerprint.
func (c *ElementCache) Put(el artifact.Element, ownerFingerprint string) error {
	data, err := json.Marshal(elementEntry{Version: elementSchemaVersion, Fingerprint: ownerFingerprint, Element: el})
	if err != nil {
		return fmt.Errorf("encoding element %s: %w", el.ID, err)
	}
	return c.store.Set(NamespaceElements, el.ID, data)
}

// Delete drops the entry for id.
func (c *ElementCache) Delete(id string) error {
	return c.store.Delete(NamespaceElements, id)
}

// Module returns the cached summary of path if it was stored under fingerprint.
func (c *ElementCache) Module(path, fingerprint string) (ModuleEntry, bool) {
	data, ok, err := c.store.Get(NamespaceModules, path)
	if err != nil {
		c.log.Warn("module cache read failed", "path", path, "error", err)
		return ModuleEntry{}, false
	}
	if !ok {
		return ModuleEntry{}, false
	}
	var entry ModuleEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Version != elementSchemaVersion {
		return ModuleEntry{}, false
	}
	if entry.Fingerprint != fingerprint {
		return ModuleEntry{}, false
	}
	return entry, true
}

// PutModule stores the summary of path.
func (c *ElementCache) PutModule(path string, entry ModuleEntry) error {
	entry.Version = elementSchemaVersion
	if entry.IDs == nil {
		entry.IDs = []string{}
	}
	if entry.Imports == nil {
		entry.Imports = []string{}
	}
	if entry.Specifiers == nil {
		entry.Specifiers = []string{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding module %s: %w", path, err)
	}
	return c.store.Set(NamespaceModules, path, data)
}

// DeleteModule drops the summary of path.
func (c *ElementCache) DeleteModule(path string) error {
	return c.store.Delete(NamespaceModules, path)
}

// Prune deletes element entries whose owning file is in removed, and the
// module entries of those files. It returns the number of elements dropped.
func (c *ElementCache) Prune(removed []string) (int, error) {
	if len(removed) == 0 {
		return 0, nil
	}
	keys, err := c.store.Keys(NamespaceElements)
	if err != nil {
		return 0, fmt.Errorf("listing elements: %w", err)
	}
	n := 0
	for _, key := range keys {
		for _, path := range removed {
			if strings.HasPrefix(key, path+"::") {
				if err := c.store.Delete(NamespaceElements, key); err != nil {
					return n, err
				}
				n++
				break
			}
		}
	}
	for _, path := range removed {
		if err := c.store.Delete(NamespaceModules, path); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Record is a single versioned entry in a namespace. Load reports a miss for
// an absent, corrupt or outdated entry.
type Record[T any] struct {
	store   Store
	ns      string
	key     string
	version int
	log     *slog.Logger
}

type recordEnvelope[T any] struct {
	Version int `json:"version"`
	Value   T   `json:"value"`
}

// NewRecord returns a record stored at ns/key.
func NewRecord[T any](store Store, ns, key string, version int, logger *slog.Logger) *Record[T] {
	return &Record[T]{store: store, ns: ns, key: key, version: version, log: discardLogger(logger)}
}

// Load returns the stored value.
func (r *Record[T]) Load() (T, bool) {
	var zero T
	data, ok, err := r.store.Get(r.ns, r.key)
	if err != nil {
		r.log.Warn("cache record read failed", "namespace", r.ns, "key", r.key, "error", err)
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var env recordEnvelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn("discarding corrupt cache record", "namespace", r.ns, "key", r.key, "error", err)
		return zero, false
	}
	if env.Version != r.version {
		r.log.Info("discarding outdated cache record", "namespace", r.ns, "version", env.Version, "want", r.version)
		return zero, false
	}
	return env.Value, true
}

// Save replaces the stored value.
func (r *Record[T]) Save(v T) error {
	data, err := json.Marshal(recordEnvelope[T]{Version: r.version, Value: v})
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", r.ns, r.key, err)
	}
	return r.store.Set(r.ns, r.key, data)
}
