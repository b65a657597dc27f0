// Package session runs incremental builds of the gql definitions of one
// project and keeps the state needed to rebuild only what changed.
//
// A Session is the sole mutator of its tracker baseline and dependency
// graph. Build and Update serialize on an internal lock, but callers sharing
// a session across consumers should go through a coordinator.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gqlbuild/artifact"
	"gqlbuild/cache"
	"gqlbuild/canonical"
	"gqlbuild/compiler"
	"gqlbuild/depgraph"
	"gqlbuild/modulematch"
	"gqlbuild/parse"
	"gqlbuild/registry"
	"gqlbuild/scheduler"
	"gqlbuild/tracker"
)

// State is the lifecycle state of a session.
type State int

const (
	StateUninitialized State = iota
	StateBuilding
	StateReady
	StateError
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBuilding:
		return "building"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Analyzer extracts definitions and imports from one source file.
// *parse.Parser implements it.
type Analyzer interface {
	Analyze(ctx context.Context, content []byte, filePath string) (*parse.Analysis, error)
}

// Options configure a session.
type Options struct {
	// Root is the absolute project root. Every path the session handles is
	// relative to it.
	Root    string
	Entries EntryResolver
	// Store backs the tracker baseline and the element cache. The session
	// does not close it.
	Store        cache.Store
	Analyzer     Analyzer
	Compiler     compiler.Compiler
	Fingerprints tracker.Fingerprinter
	Modules      *modulematch.Matcher
	Mode         scheduler.Mode
	// Host performs file effects on relative paths. Defaults to the OS
	// filesystem rooted at Root.
	Host        scheduler.Host
	Concurrency int
	Logger      *slog.Logger
}

// BuildOptions control one Build call.
type BuildOptions struct {
	// Force re-analyzes and recompiles every file, bypassing cached elements.
	Force bool
}

// BuildInfo describes the last successful build.
type BuildInfo struct {
	Generation int64
	Changes    tracker.ChangeSet
	// Analyzed lists the files parsed by the build, sorted.
	Analyzed []string
	Duration time.Duration
}

const defaultConcurrency = 8

type moduleInfo struct {
	fingerprint string
	ids         []string
	imports     []string
	specifiers  []string
	// clean is false when analysis or compilation of the file failed; such
	// files are analyzed again on every build until they succeed.
	clean bool
}

// Session owns the incremental state of one project.
type Session struct {
	root     string
	entries  EntryResolver
	store    cache.Store
	analyzer Analyzer
	compiler compiler.Compiler
	modules  *modulematch.Matcher
	mode     scheduler.Mode
	host     scheduler.Host
	limit    int
	log      *slog.Logger

	tracker  *tracker.Tracker
	elements *cache.ElementCache
	registry *registry.Registry

	buildMu sync.Mutex

	mu         sync.RWMutex
	state      State
	generation int64
	current    *artifact.Artifact
	baseline   tracker.State
	loaded     bool
	files      map[string]moduleInfo
	graph      *depgraph.Graph
	explicit   map[string]bool
	last       BuildInfo
}

// New creates a session. Nothing is read until the first Build.
func New(opts Options) (*Session, error) {
	if opts.Entries == nil {
		return nil, fmt.Errorf("creating session: no entry resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := opts.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	analyzer := opts.Analyzer
	if analyzer == nil {
		analyzer = parse.NewParser()
	}
	comp := opts.Compiler
	if comp == nil {
		comp = compiler.NewSchemaCompiler(nil)
	}
	host := opts.Host
	if host == nil {
		host = scheduler.Rooted(opts.Root, nil)
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}

	return &Session{
		root:     opts.Root,
		entries:  opts.Entries,
		store:    store,
		analyzer: analyzer,
		compiler: comp,
		modules:  opts.Modules,
		mode:     opts.Mode,
		host:     host,
		limit:    limit,
		log:      logger,
		tracker: tracker.New(tracker.Options{
			Store:        store,
			Fingerprints: opts.Fingerprints,
			Mode:         opts.Mode,
			Host:         host,
			Concurrency:  limit,
			Logger:       logger,
		}),
		elements: cache.NewElementCache(store, logger),
		registry: registry.New(),
		files:    make(map[string]moduleInfo),
		graph:    depgraph.NewGraph(),
	}, nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation returns the number of successful builds.
func (s *Session) Generation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkUsableLocked()
	return s.generation
}

// CurrentArtifact returns the artifact of the last successful build, or nil.
// A failed build leaves it unchanged.
func (s *Session) CurrentArtifact() *artifact.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkUsableLocked()
	return s.current
}

// LastBuild describes the last successful build.
func (s *Session) LastBuild() BuildInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkUsableLocked()
	return s.last
}

// Adjacency returns a copy of the module dependency graph.
func (s *Session) Adjacency() depgraph.Adjacency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkUsableLocked()
	return s.graph.Adjacency()
}

// LookupOperation returns the id of the element defining an operation name.
func (s *Session) LookupOperation(name string) (string, bool) {
	s.checkUsable()
	return s.registry.Lookup(name)
}

// Dispose releases the session. Any later call panics.
func (s *Session) Dispose() {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkUsableLocked()
	s.registry.Dispose()
	s.state = StateDisposed
	s.files = nil
}

func (s *Session) checkUsable() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkUsableLocked()
}

func (s *Session) checkUsableLocked() {
	if s.state == StateDisposed {
		panic("session: use after Dispose")
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Build resolves entrypoints, scans them, and rebuilds what changed since
// the persisted baseline. On error the previous artifact stays current and
// the generation is unchanged.
func (s *Session) Build(ctx context.Context, opts BuildOptions) (*artifact.Artifact, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	return s.run(func(start time.Time) (*artifact.Artifact, error) {
		return s.build(ctx, opts, start)
	})
}

// Update rebuilds from a change set the caller already knows, skipping the
// entrypoint scan. Changes still expand through the dependency graph. New
// paths outside the entry set are ignored. A session that has never built
// runs a full Build instead.
func (s *Session) Update(ctx context.Context, changes tracker.ChangeSet) (*artifact.Artifact, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	s.mu.RLock()
	fresh := s.current == nil
	s.mu.RUnlock()
	return s.run(func(start time.Time) (*artifact.Artifact, error) {
		if fresh {
			return s.build(ctx, BuildOptions{}, start)
		}
		return s.update(ctx, changes, start)
	})
}

func (s *Session) run(fn func(start time.Time) (*artifact.Artifact, error)) (*artifact.Artifact, error) {
	s.checkUsable()
	s.setState(StateBuilding)
	start := time.Now()

	a, err := fn(start)
	if err != nil {
		s.setState(StateError)
		s.log.Error("build failed", "error", err)
		return nil, err
	}
	return a, nil
}

func (s *Session) loadBaseline() tracker.State {
	if !s.loaded {
		s.baseline = s.tracker.LoadState()
		s.loaded = true
	}
	return s.baseline
}

func (s *Session) build(ctx context.Context, opts BuildOptions, start time.Time) (*artifact.Artifact, error) {
	entries, err := s.entries.Resolve()
	if err != nil {
		return nil, err
	}

	previous := s.loadBaseline()
	current, err := s.tracker.Scan(ctx, entries.Files, previous)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(CodeScanFailed, "", err, "scanning tracked files")
	}
	for _, p := range sortedKeys(entries.Explicit) {
		if _, ok := current.Files[p]; !ok {
			return nil, newError(CodeEntryNotFound, p, nil, "entrypoint does not exist")
		}
	}

	changes := tracker.DetectChanges(previous, current)
	if opts.Force {
		forced := tracker.AllAdded(current)
		forced.Removed = changes.Removed
		changes = forced
	}
	return s.apply(ctx, pass{
		current:  current,
		changes:  changes,
		explicit: entries.Explicit,
		force:    opts.Force,
		start:    start,
	})
}

func (s *Session) update(ctx context.Context, cs tracker.ChangeSet, start time.Time) (*artifact.Artifact, error) {
	previous := s.loadBaseline()
	current := previous.Clone()

	var tracks func(string) bool
	var touched, restat []string
	for _, fc := range append(append([]tracker.FileChange{}, cs.Added...), cs.Updated...) {
		p, err := s.normalize(fc.FilePath)
		if err != nil {
			return nil, newError(CodeScanFailed, fc.FilePath, err, "invalid changed path")
		}
		if _, known := previous.Files[p]; !known {
			if tracks == nil {
				if tracks, err = s.entryFilter(); err != nil {
					return nil, err
				}
			}
			if !tracks(p) {
				s.log.Debug("ignoring change outside the entrypoints", "path", p)
				continue
			}
		}
		touched = append(touched, p)
		if fc.Fingerprint == (tracker.Fingerprint{}) {
			restat = append(restat, p)
			continue
		}
		current.Files[p] = fc.Fingerprint
	}
	if len(restat) > 0 {
		scanned, err := s.tracker.Scan(ctx, restat, previous)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, newError(CodeScanFailed, "", err, "scanning changed files")
		}
		for _, p := range restat {
			if fp, ok := scanned.Files[p]; ok {
				current.Files[p] = fp
			} else {
				delete(current.Files, p)
			}
		}
	}

	changes := tracker.ChangeSet{Added: []tracker.FileChange{}, Updated: []tracker.FileChange{}, Removed: []string{}}
	removed := make(map[string]bool)
	for _, raw := range cs.Removed {
		p, err := s.normalize(raw)
		if err != nil {
			return nil, newError(CodeScanFailed, raw, err, "invalid removed path")
		}
		delete(current.Files, p)
		removed[p] = true
	}
	for _, p := range dedupe(touched) {
		fp, ok := current.Files[p]
		if !ok {
			removed[p] = true
			continue
		}
		fc := tracker.FileChange{FilePath: p, Fingerprint: fp, MtimeMs: fp.MtimeMs}
		if _, existed := previous.Files[p]; existed {
			changes.Updated = append(changes.Updated, fc)
		} else {
			changes.Added = append(changes.Added, fc)
		}
	}
	for _, p := range sortedKeys(removed) {
		if _, existed := previous.Files[p]; existed {
			changes.Removed = append(changes.Removed, p)
		}
	}

	s.mu.RLock()
	explicit := s.explicit
	s.mu.RUnlock()
	for p := range explicit {
		if removed[p] {
			return nil, newError(CodeEntryNotFound, p, nil, "entrypoint was removed")
		}
	}

	return s.apply(ctx, pass{
		current:  current,
		changes:  changes,
		explicit: explicit,
		start:    start,
	})
}

// entryFilter decides which new paths reported to Update join the tracked
// universe. Resolvers without EntryMatcher are resolved once.
func (s *Session) entryFilter() (func(string) bool, error) {
	if m, ok := s.entries.(EntryMatcher); ok {
		return m.Tracks, nil
	}
	e, err := s.entries.Resolve()
	if err != nil {
		return nil, err
	}
	return depgraph.NewSet(e.Files...).Has, nil
}

func (s *Session) normalize(p string) (string, error) {
	if filepath.IsAbs(p) {
		return canonical.Normalize(s.root, p)
	}
	return path.Clean(filepath.ToSlash(p)), nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		seen[s] = true
	}
	return sortedKeys(seen)
}
