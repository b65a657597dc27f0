// Package canonical assigns canonical ids to definitions found while walking
// a file's syntax tree.
//
// A canonical id has the form <relative-path>::<ast-path>. The ast path joins
// the segments of every enclosing scope with "." (for example
// "userQueries.byId"). A second definition at the same ast path gets a "$1"
// suffix, a third "$2", and so on. Anonymous scopes are named from per-file
// counters ("arrow#0", "function#1"), so reordering anonymous scopes or moving
// a definition into another scope changes its id.
package canonical

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Separator splits the file path from the ast path in an id.
const Separator = "::"

// ScopeKind classifies an enclosing scope.
type ScopeKind string

const (
	ScopeVariable ScopeKind = "variable"
	ScopeFunction ScopeKind = "function"
	ScopeClass    ScopeKind = "class"
	ScopeMethod   ScopeKind = "method"
	ScopeProperty ScopeKind = "property"
)

// ScopeDescriptor describes a scope being entered. StableKey disambiguates
// same-named siblings when the caller has a better key than source order; it
// is recorded but does not participate in the ast path.
type ScopeDescriptor struct {
	Kind      ScopeKind
	Segment   string
	StableKey string
}

// ScopeHandle is returned by EnterScope and must be passed to the matching
// ExitScope.
type ScopeHandle struct {
	depth  int
	serial uint64
}

// ExportResolver maps a local binding name to its exported name.
type ExportResolver func(local string) (exported string, ok bool)

// Registration is the identity assigned to one definition.
type Registration struct {
	AstPath       string
	IsTopLevel    bool
	IsExported    bool
	ExportBinding string
	CanonicalID   string
}

type frame struct {
	desc   ScopeDescriptor
	serial uint64
}

// Tracker holds the scope stack for one pass over one file. It is not safe
// for concurrent use; create one per file per build.
type Tracker struct {
	path        string
	resolve     ExportResolver
	stack       []frame
	serial      uint64
	anonymous   map[string]int
	occurrences map[string]int
}

// New returns a tracker for the file at relPath (project-relative, POSIX).
// resolve may be nil when the file has no exports.
func New(relPath string, resolve ExportResolver) *Tracker {
	if resolve == nil {
		resolve = func(string) (string, bool) { return "", false }
	}
	return &Tracker{
		path:        relPath,
		resolve:     resolve,
		anonymous:   make(map[string]int),
		occurrences: make(map[string]int),
	}
}

// Path returns the file path the tracker was created for.
func (t *Tracker) Path() string { return t.path }

// Depth returns the number of open scopes.
func (t *Tracker) Depth() int { return len(t.stack) }

// EnterScope pushes a scope.
func (t *Tracker) EnterScope(d ScopeDescriptor) ScopeHandle {
	t.serial++
	t.stack = append(t.stack, frame{desc: d, serial: t.serial})
	return ScopeHandle{depth: len(t.stack), serial: t.serial}
}

// ExitScope pops the scope opened by h. Exiting anything other than the
// innermost open scope is a programming error and panics.
func (t *Tracker) ExitScope(h ScopeHandle) {
	if len(t.stack) == 0 || h.depth != len(t.stack) || t.stack[len(t.stack)-1].serial != h.serial {
		panic(fmt.Sprintf("canonical: ExitScope out of order in %s (handle depth %d, stack depth %d)", t.path, h.depth, len(t.stack)))
	}
	t.stack = t.stack[:len(t.stack)-1]
}

// AnonymousName returns the next "<kind>#N" name for kind in this file.
func (t *Tracker) AnonymousName(kind string) string {
	n := t.anonymous[kind]
	t.anonymous[kind] = n + 1
	return fmt.Sprintf("%s#%d", kind, n)
}

func (t *Tracker) basePath() string {
	segs := make([]string, len(t.stack))
	for i, f := range t.stack {
		segs[i] = f.desc.Segment
	}
	return strings.Join(segs, ".")
}

// RegisterDefinition records a definition at the current scope position.
func (t *Tracker) RegisterDefinition() Registration {
	base := t.basePath()
	n := t.occurrences[base]
	t.occurrences[base] = n + 1

	astPath := base
	if n > 0 {
		astPath = fmt.Sprintf("%s$%d", base, n)
	}

	reg := Registration{
		AstPath:     astPath,
		IsTopLevel:  len(t.stack) <= 1,
		CanonicalID: ID(t.path, astPath),
	}
	if len(t.stack) == 1 {
		if exported, ok := t.resolve(t.stack[0].desc.Segment); ok {
			reg.IsExported = true
			reg.ExportBinding = exported
		}
	}
	return reg
}

// ID joins a relative file path and an ast path.
func ID(filePath, astPath string) string {
	return filePath + Separator + astPath
}

// ErrMalformedID is returned by ParseID.
var ErrMalformedID = errors.New("malformed canonical id")

// ParseID splits an id into its file path and ast path.
func ParseID(id string) (filePath, astPath string, err error) {
	i := strings.Index(id, Separator)
	if i <= 0 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return id[:i], id[i+len(Separator):], nil
}

// Normalize returns p relative to root in POSIX form. Paths outside root are
// rejected so ids never embed machine-specific locations.
func Normalize(root, p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "", fmt.Errorf("relativizing %s: %w", p, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside the project root %s", p, root)
	}
	return path.Clean(rel), nil
}
