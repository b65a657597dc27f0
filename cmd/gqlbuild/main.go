// Package main provides the gqlbuild CLI.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"gqlbuild/cache"
	"gqlbuild/config"
	"gqlbuild/coordinator"
	"gqlbuild/internal/ignore"
	"gqlbuild/scheduler"
	"gqlbuild/session"
)

// Version is the current gqlbuild version.
var Version = "0.3.0"

var (
	configPath string
	rootDir    string
	logLevel   string
	logFormat  string
	noColor    bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gqlbuild",
	Short: "gqlbuild - incremental builder for GraphQL definitions in JS/TS sources",
	Long: `gqlbuild scans a project's JavaScript and TypeScript sources for gql
definitions, compiles them against the configured schemas and writes a
single artifact keyed by canonical id. Later builds only re-analyze files
that changed and the files that import them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		l, err := newLogger(cmd.ErrOrStderr(), logFormat, logLevel)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to "+config.FileName+" (default: nearest one above the working directory)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root (overrides the config file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(buildCmd, statusCmd, watchCmd, serveCmd, cleanCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	case "text", "":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.DateTime,
			NoColor:    color.NoColor,
		})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		start := rootDir
		if start == "" {
			start = "."
		}
		found, err := config.Discover(start)
		if err != nil {
			return nil, err
		}
		path = found
	}

	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		dir := rootDir
		if dir == "" {
			dir = "."
		}
		cfg, err = config.LoadOrDefault(dir)
	}
	if err != nil {
		return nil, err
	}
	if rootDir != "" && configPath != "" {
		cfg.Root = rootDir
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// project holds the components one command works with.
type project struct {
	cfg     *config.Config
	store   cache.Store
	session *session.Session
	log     *slog.Logger
}

func (p *project) entries() (session.EntryResolver, error) {
	ig, err := ignore.Load(p.cfg.Root, p.cfg.Exclude)
	if err != nil {
		return nil, err
	}
	return session.GlobResolver{Root: p.cfg.Root, Patterns: p.cfg.Entrypoints, Ignore: ig}, nil
}

func openProject() (*project, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &project{cfg: cfg, log: log}

	comp, err := cfg.Compiler()
	if err != nil {
		return nil, err
	}
	modules, err := cfg.ModuleMatcher()
	if err != nil {
		return nil, err
	}
	entries, err := p.entries()
	if err != nil {
		return nil, err
	}

	opts := cfg.CacheOptions()
	opts.Logger = log
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	store, err := cache.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	p.store = store

	s, err := session.New(session.Options{
		Root:         cfg.Root,
		Entries:      entries,
		Store:        store,
		Compiler:     comp,
		Fingerprints: cfg.Fingerprinter(),
		Modules:      modules,
		Mode:         scheduler.ModeAsync,
		Concurrency:  cfg.Concurrency,
		Logger:       log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	p.session = s
	return p, nil
}

func (p *project) coordinator(observer coordinator.Observer) *coordinator.Coordinator {
	return coordinator.New(p.session, coordinator.Options{
		Snapshot: coordinator.SnapshotOptions{Root: p.cfg.Root, Labels: p.cfg.Labels},
		Observer: observer,
		Logger:   p.log,
	})
}

func (p *project) Close() error {
	p.session.Dispose()
	return p.store.Close()
}
