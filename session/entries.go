package session

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"gqlbuild/depgraph"
	"gqlbuild/internal/ignore"
)

// Entries is the file universe of one build.
type Entries struct {
	// Files are project-relative POSIX paths, sorted.
	Files []string
	// Explicit marks files named literally rather than matched by a glob.
	// An explicit file that cannot be read fails the build.
	Explicit map[string]bool
}

// EntryResolver produces the files a build tracks.
type EntryResolver interface {
	Resolve() (Entries, error)
}

// EntryMatcher is implemented by resolvers that can decide membership of one
// path without resolving the whole entry set.
type EntryMatcher interface {
	Tracks(p string) bool
}

// ResolverFunc adapts a function to EntryResolver.
type ResolverFunc func() (Entries, error)

// Resolve implements EntryResolver.
func (f ResolverFunc) Resolve() (Entries, error) { return f() }

// StaticEntries is a fixed list of explicit files.
type StaticEntries []string

// Resolve implements EntryResolver.
func (s StaticEntries) Resolve() (Entries, error) {
	if len(s) == 0 {
		return Entries{}, newError(CodeEntryNotFound, "", nil, "no entrypoints configured")
	}
	e := Entries{Explicit: make(map[string]bool, len(s))}
	for _, f := range s {
		f = path.Clean(filepath.ToSlash(f))
		if !e.Explicit[f] {
			e.Explicit[f] = true
			e.Files = append(e.Files, f)
		}
	}
	sort.Strings(e.Files)
	return e, nil
}

// Tracks implements EntryMatcher.
func (s StaticEntries) Tracks(p string) bool {
	p = path.Clean(filepath.ToSlash(p))
	for _, f := range s {
		if path.Clean(filepath.ToSlash(f)) == p {
			return true
		}
	}
	return false
}

// GlobResolver expands doublestar patterns under Root. Patterns without
// glob syntax name explicit files. Only files with a source extension are
// kept, and Ignore filters the rest.
type GlobResolver struct {
	Root     string
	Patterns []string
	Ignore   *ignore.Matcher
}

// Resolve implements EntryResolver.
func (r GlobResolver) Resolve() (Entries, error) {
	if len(r.Patterns) == 0 {
		return Entries{}, newError(CodeEntryNotFound, "", nil, "no entrypoints configured")
	}

	fsys := os.DirFS(r.Root)
	e := Entries{Explicit: make(map[string]bool)}
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			e.Files = append(e.Files, p)
		}
	}

	for _, raw := range r.Patterns {
		pattern := strings.TrimPrefix(filepath.ToSlash(raw), "./")
		if !doublestar.ValidatePattern(pattern) {
			return Entries{}, newError(CodeInvalidEntryGlob, raw, nil, "invalid entrypoint pattern")
		}

		if !hasMeta(pattern) {
			p := path.Clean(pattern)
			info, err := fs.Stat(fsys, p)
			if errors.Is(err, fs.ErrNotExist) {
				return Entries{}, newError(CodeEntryNotFound, p, nil, "entrypoint does not exist")
			}
			if err != nil {
				return Entries{}, newError(CodeEntryUnreadable, p, err, "cannot stat entrypoint")
			}
			if info.IsDir() {
				return Entries{}, newError(CodeEntryNotFound, p, nil, "entrypoint is a directory")
			}
			e.Explicit[p] = true
			add(p)
			continue
		}

		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return Entries{}, newError(CodeInvalidEntryGlob, raw, err, "expanding entrypoint pattern")
		}
		for _, m := range matches {
			if !isSource(m) || r.Ignore.Match(m, false) {
				continue
			}
			add(m)
		}
	}

	if len(e.Files) == 0 {
		return Entries{}, newError(CodeEntryNotFound, "", nil, "entrypoints %v matched no source files", r.Patterns)
	}
	sort.Strings(e.Files)
	return e, nil
}

// Tracks implements EntryMatcher. It applies the same pattern, extension and
// ignore rules as Resolve to a single project-relative path.
func (r GlobResolver) Tracks(p string) bool {
	p = path.Clean(filepath.ToSlash(p))
	for _, raw := range r.Patterns {
		pattern := strings.TrimPrefix(filepath.ToSlash(raw), "./")
		if !hasMeta(pattern) {
			if path.Clean(pattern) == p {
				return true
			}
			continue
		}
		if ok, err := doublestar.Match(pattern, p); err == nil && ok && isSource(p) && !r.Ignore.Match(p, false) {
			return true
		}
	}
	return false
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func isSource(p string) bool {
	ext := path.Ext(p)
	for _, known := range depgraph.Extensions {
		if ext == known {
			return true
		}
	}
	return false
}
