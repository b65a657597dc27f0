// Package modulematch assigns source files to named modules by glob rules.
// Every artifact element is tagged with the modules owning its source file.
package modulematch

import (
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Rule names a module and the path globs it owns.
type Rule struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
}

// RulesFile is the on-disk layout of a standalone rules file.
type RulesFile struct {
	Modules []Rule `yaml:"modules"`
}

// Matcher matches project-relative paths to module names.
type Matcher struct {
	rules []Rule
}

// NewMatcher validates every pattern and returns a matcher.
func NewMatcher(rules []Rule) (*Matcher, error) {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("module rule without a name")
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("module %q declared twice", r.Name)
		}
		seen[r.Name] = true
		for _, p := range r.Paths {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("module %q: invalid pattern %q", r.Name, p)
			}
		}
	}
	return &Matcher{rules: append([]Rule(nil), rules...)}, nil
}

// Empty returns a matcher with no rules.
func Empty() *Matcher {
	return &Matcher{}
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading modules file: %w", err)
	}
	return parseRules(data)
}

// LoadRulesOrEmpty reads a rules file, or returns an empty matcher if the
// file does not exist.
func LoadRulesOrEmpty(path string) (*Matcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("reading modules file: %w", err)
	}
	return parseRules(data)
}

func parseRules(data []byte) (*Matcher, error) {
	var f RulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing modules file: %w", err)
	}
	return NewMatcher(f.Modules)
}

// Match returns the sorted names of modules owning path.
func (m *Matcher) Match(path string) []string {
	if m == nil {
		return nil
	}
	var matched []string
	for _, r := range m.rules {
		for _, pattern := range r.Paths {
			if ok, _ := doublestar.Match(pattern, path); ok {
				matched = append(matched, r.Name)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// Group maps module names to the paths they own. Paths keep input order.
func (m *Matcher) Group(paths []string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range paths {
		for _, name := range m.Match(p) {
			out[name] = append(out[name], p)
		}
	}
	return out
}

// Rules returns a copy of the configured rules.
func (m *Matcher) Rules() []Rule {
	if m == nil {
		return nil
	}
	return append([]Rule(nil), m.rules...)
}

// Rule returns the rule named name.
func (m *Matcher) Rule(name string) (Rule, bool) {
	if m == nil {
		return Rule{}, false
	}
	for _, r := range m.rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
