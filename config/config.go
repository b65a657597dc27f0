// Package config loads gqlbuild.yaml and applies GQLBUILD_* overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/vektah/gqlparser/v2/ast"
	"gopkg.in/yaml.v3"

	"gqlbuild/cache"
	"gqlbuild/compiler"
	"gqlbuild/modulematch"
	"gqlbuild/tracker"
)

// FileName is the configuration file looked up by Discover.
const FileName = "gqlbuild.yaml"

// DefaultSchemaLabel is the label of a schema given as a plain list.
const DefaultSchemaLabel = "default"

// Config holds project configuration.
type Config struct {
	// Root is the project root. Relative roots resolve against the directory
	// holding the config file.
	Root        string             `yaml:"root"`
	// Entrypoints are doublestar globs or literal paths relative to Root.
	Entrypoints []string           `yaml:"entrypoints"`
	// Exclude adds gitignore-style patterns to the default ignore list.
	Exclude     []string           `yaml:"exclude"`
	// Schema maps a schema label to SDL file globs.
	Schema      SchemaSources      `yaml:"schema"`
	Cache       CacheConfig        `yaml:"cache"`
	Fingerprint string             `yaml:"fingerprint"`
	Concurrency int                `yaml:"concurrency"`
	Output      string             `yaml:"output"`
	Modules     []modulematch.Rule `yaml:"modules"`
	Serve       ServeConfig        `yaml:"serve"`
	Labels      map[string]string  `yaml:"labels"`
}

// CacheConfig selects the persistent store.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	Backend  string `yaml:"backend"`
	Compress bool   `yaml:"compress"`
}

// ServeConfig configures the HTTP feed.
type ServeConfig struct {
	Listen string `yaml:"listen"`
}

// SchemaSources maps schema labels to SDL globs. In YAML it is either a
// mapping of label to globs or a single glob list for the default label.
type SchemaSources map[string][]string

// UnmarshalYAML accepts a string, a sequence or a mapping.
func (s *SchemaSources) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = SchemaSources{DefaultSchemaLabel: {node.Value}}
		return nil
	case yaml.SequenceNode:
		var globs []string
		if err := node.Decode(&globs); err != nil {
			return err
		}
		*s = SchemaSources{DefaultSchemaLabel: globs}
		return nil
	case yaml.MappingNode:
		raw := map[string]yaml.Node{}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		out := make(SchemaSources, len(raw))
		for label, n := range raw {
			var globs []string
			if n.Kind == yaml.ScalarNode {
				globs = []string{n.Value}
			} else if err := n.Decode(&globs); err != nil {
				return fmt.Errorf("schema %q: %w", label, err)
			}
			out[label] = globs
		}
		*s = out
		return nil
	default:
		return fmt.Errorf("schema must be a string, list or mapping")
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Root:        ".",
		Entrypoints: []string{"src/**/*.{ts,tsx,js,jsx}"},
		Cache: CacheConfig{
			Dir:     ".gqlbuild/cache",
			Backend: string(cache.BackendJSON),
		},
		Fingerprint: "stat",
		Output:      ".gqlbuild/artifact.json",
		Serve:       ServeConfig{Listen: "127.0.0.1:7450"},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Load reads path, applies environment overrides and validates the result.
// Root is made absolute relative to the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg.finish(filepath.Dir(path), os.Getenv)
}

// LoadOrDefault loads the config file in dir, or the defaults rooted at dir
// when there is none.
func LoadOrDefault(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Default().finish(dir, os.Getenv)
}

// Discover walks up from start to the nearest directory with a config file.
// It returns "" when none exists.
func Discover(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (c *Config) finish(base string, getenv func(string) string) (*Config, error) {
	if err := c.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if !filepath.IsAbs(c.Root) {
		abs, err := filepath.Abs(filepath.Join(base, c.Root))
		if err != nil {
			return nil, fmt.Errorf("resolving root: %w", err)
		}
		c.Root = abs
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from GQLBUILD_* variables. List values are
// comma separated.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("GQLBUILD_ROOT"); v != "" {
		c.Root = v
	}
	if v := getenv("GQLBUILD_ENTRYPOINTS"); v != "" {
		c.Entrypoints = splitList(v)
	}
	if v := getenv("GQLBUILD_SCHEMA"); v != "" {
		c.Schema = SchemaSources{DefaultSchemaLabel: splitList(v)}
	}
	if v := getenv("GQLBUILD_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := getenv("GQLBUILD_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := getenv("GQLBUILD_CACHE_COMPRESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("GQLBUILD_CACHE_COMPRESS: %w", err)
		}
		c.Cache.Compress = b
	}
	if v := getenv("GQLBUILD_FINGERPRINT"); v != "" {
		c.Fingerprint = v
	}
	if v := getenv("GQLBUILD_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GQLBUILD_CONCURRENCY: %w", err)
		}
		c.Concurrency = n
	}
	if v := getenv("GQLBUILD_OUTPUT"); v != "" {
		c.Output = v
	}
	if v := getenv("GQLBUILD_LISTEN"); v != "" {
		c.Serve.Listen = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks values that would otherwise fail deep inside a build.
func (c *Config) Validate() error {
	if len(c.Entrypoints) == 0 {
		return fmt.Errorf("config: entrypoints must not be empty")
	}
	for _, p := range c.Entrypoints {
		if !doublestar.ValidatePattern(filepath.ToSlash(p)) {
			return fmt.Errorf("config: invalid entrypoint pattern %q", p)
		}
	}
	for label, globs := range c.Schema {
		for _, g := range globs {
			if !doublestar.ValidatePattern(filepath.ToSlash(g)) {
				return fmt.Errorf("config: schema %q: invalid pattern %q", label, g)
			}
		}
	}
	if _, err := cache.ParseBackend(c.Cache.Backend); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := tracker.FingerprinterByName(c.Fingerprint); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("config: concurrency must not be negative")
	}
	if _, err := modulematch.NewMatcher(c.Modules); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Abs resolves p against Root.
func (c *Config) Abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// CacheOptions returns the store options for c.
func (c *Config) CacheOptions() cache.Options {
	backend, _ := cache.ParseBackend(c.Cache.Backend)
	return cache.Options{Backend: backend, Dir: c.Abs(c.Cache.Dir), Compress: c.Cache.Compress}
}

// Fingerprinter returns the configured fingerprint strategy.
func (c *Config) Fingerprinter() tracker.Fingerprinter {
	fp, err := tracker.FingerprinterByName(c.Fingerprint)
	if err != nil {
		return tracker.StatFingerprinter{}
	}
	return fp
}

// ModuleMatcher returns the matcher for the configured module rules.
func (c *Config) ModuleMatcher() (*modulematch.Matcher, error) {
	return modulematch.NewMatcher(c.Modules)
}

// SchemaFiles expands every schema glob under Root. A label whose globs
// match nothing is an error.
func (c *Config) SchemaFiles() (map[string][]string, error) {
	fsys := os.DirFS(c.Root)
	out := make(map[string][]string, len(c.Schema))
	for label, globs := range c.Schema {
		var files []string
		for _, g := range globs {
			matches, err := doublestar.Glob(fsys, filepath.ToSlash(g), doublestar.WithFilesOnly())
			if err != nil {
				return nil, fmt.Errorf("schema %q: %w", label, err)
			}
			for _, m := range matches {
				files = append(files, c.Abs(m))
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("schema %q: %v matched no files", label, globs)
		}
		sort.Strings(files)
		out[label] = files
	}
	return out, nil
}

// Compiler loads every configured schema into a SchemaCompiler.
func (c *Config) Compiler() (*compiler.SchemaCompiler, error) {
	files, err := c.SchemaFiles()
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]*ast.Schema, len(files))
	for label, paths := range files {
		schema, err := compiler.LoadSchemaFiles(paths)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", label, err)
		}
		schemas[label] = schema
	}
	return compiler.NewSchemaCompiler(schemas), nil
}
