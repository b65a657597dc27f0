// Package registry tracks named operations for one builder session.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDisposed is returned by a registry after Dispose.
var ErrDisposed = errors.New("registry disposed")

// DuplicateError reports an operation name registered by two definitions.
type DuplicateError struct {
	Name       string
	ExistingID string
	ID         string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("operation %q is defined by both %s and %s", e.Name, e.ExistingID, e.ID)
}

// Registry maps operation names to the canonical id that defines them.
// It is owned by a session; each session creates its own.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]string
	disposed bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byName: make(map[string]string)}
}

// Register records name as defined by id. Registering the same pair twice
// is a no-op; a different id for a known name is a *DuplicateError.
func (r *Registry) Register(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if existing, ok := r.byName[name]; ok && existing != id {
		return &DuplicateError{Name: name, ExistingID: existing, ID: id}
	}
	r.byName[name] = id
	return nil
}

// Lookup returns the id that defines name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered names.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Reset forgets every registration. Sessions reset before each merge.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]string)
}

// Dispose releases the registry; later Register calls fail.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]string)
	r.disposed = true
}
