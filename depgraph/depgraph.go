// Package depgraph tracks which source files import which, and expands a set
// of changed files to every file that transitively depends on them.
//
// Paths are project-relative and POSIX-separated. Only relative import
// specifiers ("./x", "../y") are tracked; package imports cannot change
// inside the watched tree.
package depgraph

import (
	"path"
	"sort"
	"strings"
	"sync"
)

// Set is a set of file paths.
type Set map[string]struct{}

// NewSet returns a set holding paths.
func NewSet(paths ...string) Set {
	s := make(Set, len(paths))
	for _, p := range paths {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s Set) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Sorted returns the members in order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Adjacency maps each file to the files it imports.
type Adjacency map[string]Set

// Extensions tried, in order, when an import specifier has no known extension.
var Extensions = []string{".ts", ".tsx", ".js", ".jsx", ".mts", ".cts", ".mjs", ".cjs"}

// emitted extension -> source extensions it may have been compiled from
var sourceExtensions = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// Exists reports whether a project-relative path is a known source file.
type Exists func(p string) bool

// IsRelative reports whether spec is a relative import specifier.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// CandidatePaths lists the files a relative specifier may refer to, in
// resolution order.
func CandidatePaths(fromFile, spec string) []string {
	base := path.Join(path.Dir(fromFile), spec)
	var out []string

	ext := path.Ext(base)
	if isKnownExtension(ext) {
		out = append(out, base)
		stem := strings.TrimSuffix(base, ext)
		for _, src := range sourceExtensions[ext] {
			out = append(out, stem+src)
		}
		return out
	}

	for _, e := range Extensions {
		out = append(out, base+e)
	}
	for _, e := range Extensions {
		out = append(out, path.Join(base, "index"+e))
	}
	return out
}

func isKnownExtension(ext string) bool {
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Resolve returns the file a relative specifier refers to.
func Resolve(fromFile, spec string, exists Exists) (string, bool) {
	if !IsRelative(spec) {
		return "", false
	}
	for _, c := range CandidatePaths(fromFile, spec) {
		if strings.HasPrefix(c, "../") || c == ".." {
			continue
		}
		if exists(c) {
			return c, true
		}
	}
	return "", false
}

// ExtractModuleAdjacency resolves the relative specifiers imported by
// filePath. Package imports and unresolvable specifiers are dropped, as are
// self-imports.
func ExtractModuleAdjacency(filePath string, specifiers []string, exists Exists) Set {
	deps := make(Set)
	for _, spec := range specifiers {
		if target, ok := Resolve(filePath, spec, exists); ok && target != filePath {
			deps[target] = struct{}{}
		}
	}
	return deps
}

// MayResolveTo reports whether any file in added is a resolution candidate
// of one of the relative specifiers imported by filePath. Adding such a file
// can change what filePath resolves its imports to.
func MayResolveTo(filePath string, specifiers []string, added Set) bool {
	for _, spec := range specifiers {
		if !IsRelative(spec) {
			continue
		}
		for _, c := range CandidatePaths(filePath, spec) {
			if added.Has(c) {
				return true
			}
		}
	}
	return false
}

// Invert returns, for each file, the files that import it.
func Invert(adj Adjacency) Adjacency {
	rev := make(Adjacency)
	for file, deps := range adj {
		for dep := range deps {
			if rev[dep] == nil {
				rev[dep] = make(Set)
			}
			rev[dep][file] = struct{}{}
		}
	}
	return rev
}

// CollectAffectedFiles returns changed plus every file that transitively
// imports a changed file. Files are marked visited before their dependents
// are expanded, so import cycles terminate.
func CollectAffectedFiles(adj Adjacency, changed []string) Set {
	rev := Invert(adj)
	affected := make(Set, len(changed))
	queue := make([]string, 0, len(changed))
	for _, p := range changed {
		if !affected.Has(p) {
			affected[p] = struct{}{}
			queue = append(queue, p)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dependent := range rev[cur] {
			if affected.Has(dependent) {
				continue
			}
			affected[dependent] = struct{}{}
			queue = append(queue, dependent)
		}
	}
	return affected
}

// Graph is the long-lived adjacency of a build session. It is safe for
// concurrent use.
type Graph struct {
	mu   sync.RWMutex
	deps Adjacency
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{deps: make(Adjacency)}
}

// Set replaces the imports recorded for file.
func (g *Graph) Set(file string, deps Set) {
	cp := make(Set, len(deps))
	for d := range deps {
		cp[d] = struct{}{}
	}
	g.mu.Lock()
	g.deps[file] = cp
	g.mu.Unlock()
}

// Remove deletes file as a key and from every other file's imports.
func (g *Graph) Remove(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.deps, file)
	for _, deps := range g.deps {
		delete(deps, file)
	}
}

// Has reports whether file has been recorded.
func (g *Graph) Has(file string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.deps[file]
	return ok
}

// Imports returns the recorded imports of file, sorted.
func (g *Graph) Imports(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.deps[file].Sorted()
}

// Adjacency returns a deep copy of the graph.
func (g *Graph) Adjacency() Adjacency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(Adjacency, len(g.deps))
	for file, deps := range g.deps {
		cp := make(Set, len(deps))
		for d := range deps {
			cp[d] = struct{}{}
		}
		out[file] = cp
	}
	return out
}

// Dependents returns the files that directly import file, sorted.
func (g *Graph) Dependents(file string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for f, deps := range g.deps {
		if deps.Has(file) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Affected expands changed through the current graph.
func (g *Graph) Affected(changed []string) Set {
	return CollectAffectedFiles(g.Adjacency(), changed)
}

// Len returns the number of recorded files.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.deps)
}
