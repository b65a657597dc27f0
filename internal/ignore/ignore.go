// Package ignore implements gitignore-style exclusion for source discovery.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileName is the project-specific ignore file, read after .gitignore.
const FileName = ".gqlbuildignore"

// rule is one parsed ignore line.
type rule struct {
	glob     string
	negated  bool
	dirOnly  bool
	anchored bool
}

// Matcher evaluates ignore rules in order; the last matching rule wins.
type Matcher struct {
	rules []rule
}

// New returns a matcher with the given patterns.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	m.Add(patterns...)
	return m
}

// Defaults are directories that never contain project sources.
var Defaults = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"jspm_packages/",
	"bower_components/",
	"dist/",
	"build/",
	"out/",
	"coverage/",
	".next/",
	".nuxt/",
	".svelte-kit/",
	".turbo/",
	".nx/",
	".cache/",
	".gqlbuild/",
	"*.d.ts",
	"*.min.js",
}

// Add parses and appends patterns. Blank lines and comments are skipped.
func (m *Matcher) Add(patterns ...string) {
	for _, line := range patterns {
		if r, ok := parseRule(line); ok {
			m.rules = append(m.rules, r)
		}
	}
}

func parseRule(line string) (rule, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false
	}

	var r rule
	if strings.HasPrefix(line, "!") {
		r.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		r.anchored = true
		line = line[1:]
	}
	// a bare name matches at any depth
	if !r.anchored && !strings.Contains(line, "/") {
		line = "**/" + line
	}
	r.glob = line
	return r, line != ""
}

// LoadFile appends the rules of a gitignore-style file. A missing file is
// not an error.
func (m *Matcher) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m.Add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// Match reports whether the project-relative path is ignored.
func (m *Matcher) Match(path string, isDir bool) bool {
	if m == nil {
		return false
	}
	path = strings.TrimPrefix(filepath.ToSlash(path), "./")

	ignored := false
	for _, r := range m.rules {
		var hit bool
		if r.dirOnly && !isDir {
			hit = underDir(r.glob, path)
		} else {
			hit = matchGlob(r.glob, path)
		}
		if hit {
			ignored = !r.negated
		}
	}
	return ignored
}

// underDir reports whether a parent directory of the file path matches.
func underDir(glob, path string) bool {
	parts := strings.Split(path, "/")
	for i := 1; i < len(parts); i++ {
		if matchGlob(glob, strings.Join(parts[:i], "/")) {
			return true
		}
	}
	return false
}

func matchGlob(glob, path string) bool {
	if ok, _ := doublestar.Match(glob, path); ok {
		return true
	}
	if strings.HasSuffix(glob, "/**") {
		return false
	}
	ok, _ := doublestar.Match(glob+"/**", path)
	return ok
}

// Load builds the matcher for a project root: defaults, then .gitignore,
// then .gqlbuildignore, then extra patterns from configuration.
func Load(root string, extra []string) (*Matcher, error) {
	m := New(Defaults...)
	for _, name := range []string{".gitignore", FileName} {
		if err := m.LoadFile(filepath.Join(root, name)); err != nil {
			return nil, err
		}
	}
	m.Add(extra...)
	return m, nil
}
