// Package tracker fingerprints source files, persists the fingerprints as a
// baseline, and diffs a fresh scan against that baseline.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	"gqlbuild/cache"
	"gqlbuild/scheduler"
)

// StateVersion is the persisted state layout version.
const StateVersion = 1

const stateKey = "state"

// Fingerprint identifies one observed version of a file. Digest is only set
// by the content strategy.
type Fingerprint struct {
	MtimeMs int64  `json:"mtimeMs"`
	Size    int64  `json:"size"`
	Digest  string `json:"digest,omitempty"`
}

// Equal reports whether every populated field matches. When both sides carry
// a digest, the digest alone decides.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.Digest != "" && o.Digest != "" {
		return f.Digest == o.Digest && f.Size == o.Size
	}
	return f.MtimeMs == o.MtimeMs && f.Size == o.Size && f.Digest == o.Digest
}

// String renders the fingerprint as a cache key component. Two fingerprints
// that are Equal under the same strategy render the same key, so a digest
// key leaves the mtime out.
func (f Fingerprint) String() string {
	if f.Digest != "" {
		return fmt.Sprintf("%d:%s", f.Size, f.Digest)
	}
	return fmt.Sprintf("%d:%d", f.MtimeMs, f.Size)
}

// State is the persisted baseline: one fingerprint per tracked file.
type State struct {
	Version int                    `json:"version"`
	Files   map[string]Fingerprint `json:"files"`
}

// EmptyState returns a state with no files.
func EmptyState() State {
	return State{Version: StateVersion, Files: map[string]Fingerprint{}}
}

// Paths returns the tracked paths in sorted order.
func (s State) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a copy that does not share the files map.
func (s State) Clone() State {
	out := State{Version: s.Version, Files: make(map[string]Fingerprint, len(s.Files))}
	for p, fp := range s.Files {
		out.Files[p] = fp
	}
	return out
}

// FileChange is one added or updated file.
type FileChange struct {
	FilePath    string      `json:"filePath"`
	Fingerprint Fingerprint `json:"fingerprint"`
	MtimeMs     int64       `json:"mtimeMs"`
}

// ChangeSet classifies files between two states. Every list is sorted by path.
type ChangeSet struct {
	Added   []FileChange `json:"added"`
	Updated []FileChange `json:"updated"`
	Removed []string     `json:"removed"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Changed returns the paths of added and updated files, sorted.
func (c ChangeSet) Changed() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated))
	for _, fc := range c.Added {
		out = append(out, fc.FilePath)
	}
	for _, fc := range c.Updated {
		out = append(out, fc.FilePath)
	}
	sort.Strings(out)
	return out
}

// AllAdded builds a change set that reports every file of s as added.
func AllAdded(s State) ChangeSet {
	cs := ChangeSet{Added: []FileChange{}, Updated: []FileChange{}, Removed: []string{}}
	for _, p := range s.Paths() {
		fp := s.Files[p]
		cs.Added = append(cs.Added, FileChange{FilePath: p, Fingerprint: fp, MtimeMs: fp.MtimeMs})
	}
	return cs
}

// DetectChanges diffs current against previous. It is pure.
func DetectChanges(previous, current State) ChangeSet {
	cs := ChangeSet{Added: []FileChange{}, Updated: []FileChange{}, Removed: []string{}}

	for _, p := range current.Paths() {
		fp := current.Files[p]
		prev, ok := previous.Files[p]
		switch {
		case !ok:
			cs.Added = append(cs.Added, FileChange{FilePath: p, Fingerprint: fp, MtimeMs: fp.MtimeMs})
		case !prev.Equal(fp):
			cs.Updated = append(cs.Updated, FileChange{FilePath: p, Fingerprint: fp, MtimeMs: fp.MtimeMs})
		}
	}
	for _, p := range previous.Paths() {
		if _, ok := current.Files[p]; !ok {
			cs.Removed = append(cs.Removed, p)
		}
	}
	return cs
}

// Options configure a Tracker.
type Options struct {
	Store        cache.Store
	Fingerprints Fingerprinter
	Mode         scheduler.Mode
	Host         scheduler.Host
	Concurrency  int
	Logger       *slog.Logger
}

// Tracker scans files and persists the resulting state.
type Tracker struct {
	record *cache.Record[State]
	fps    Fingerprinter
	mode   scheduler.Mode
	host   scheduler.Host
	limit  int
	log    *slog.Logger
}

// New creates a tracker. A nil Fingerprints selects StatFingerprinter.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fps := opts.Fingerprints
	if fps == nil {
		fps = StatFingerprinter{}
	}
	store := opts.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	return &Tracker{
		record: cache.NewRecord[State](store, cache.NamespaceFileTracker, stateKey, StateVersion, logger),
		fps:    fps,
		mode:   opts.Mode,
		host:   opts.Host,
		limit:  opts.Concurrency,
		log:    logger,
	}
}

// Scan fingerprints every path. Files that do not exist are omitted; any
// other stat or read error fails the scan. previous lets the content
// strategy reuse digests of files whose mtime and size are unchanged.
func (t *Tracker) Scan(ctx context.Context, paths []string, previous State) (State, error) {
	m := scanMachine(paths, t.fps, previous)
	state, err := scheduler.Run(ctx, t.mode, m, scheduler.Options{Host: t.host, Concurrency: t.limit})
	if err != nil {
		return State{}, fmt.Errorf("scanning files: %w", err)
	}
	t.log.Debug("scanned files", "requested", len(paths), "present", len(state.Files))
	return state, nil
}

// scanMachine stats every path in one batch, then asks the fingerprinter
// for any reads it needs, then assembles the state.
func scanMachine(paths []string, fps Fingerprinter, previous State) scheduler.Machine[State] {
	const (
		stepStat = iota
		stepRead
		stepDone
	)
	step := stepStat
	present := make(map[string]Fingerprint)
	var needRead []string

	return func(prev scheduler.Outcome) scheduler.Step[State] {
		switch step {
		case stepStat:
			step = stepRead
			effects := make([]scheduler.Effect, len(paths))
			for i, p := range paths {
				effects[i] = scheduler.StatFile{Path: p}
			}
			return scheduler.Perform[State](scheduler.Parallel{Effects: effects})

		case stepRead:
			for i, out := range prev.Outcomes() {
				if errors.Is(out.Err, fs.ErrNotExist) {
					continue
				}
				if out.Err != nil {
					return scheduler.Fail[State](fmt.Errorf("stat %s: %w", paths[i], out.Err))
				}
				info := out.FileInfo()
				if info == nil || info.IsDir() {
					continue
				}
				fp := Fingerprint{MtimeMs: info.ModTime().UnixMilli(), Size: info.Size()}
				if old, ok := previous.Files[paths[i]]; ok {
					fp = fps.Reuse(old, fp)
				}
				present[paths[i]] = fp
				if fps.NeedsContent(fp) {
					needRead = append(needRead, paths[i])
				}
			}
			if len(needRead) == 0 {
				step = stepDone
				return scheduler.Return(State{Version: StateVersion, Files: present})
			}
			step = stepDone
			effects := make([]scheduler.Effect, len(needRead))
			for i, p := range needRead {
				effects[i] = scheduler.ReadFile{Path: p}
			}
			return scheduler.Perform[State](scheduler.Parallel{Effects: effects})

		default:
			for i, out := range prev.Outcomes() {
				p := needRead[i]
				if errors.Is(out.Err, fs.ErrNotExist) {
					delete(present, p)
					continue
				}
				if out.Err != nil {
					return scheduler.Fail[State](fmt.Errorf("read %s: %w", p, out.Err))
				}
				present[p] = fps.WithContent(present[p], out.Bytes())
			}
			return scheduler.Return(State{Version: StateVersion, Files: present})
		}
	}
}

// LoadState returns the persisted state, or an empty state when none is
// stored or the stored entry cannot be decoded.
func (t *Tracker) LoadState() State {
	s, ok := t.record.Load()
	if !ok || s.Files == nil {
		return EmptyState()
	}
	return s
}

// Persist stores s as the new baseline.
func (t *Tracker) Persist(s State) error {
	if s.Files == nil {
		s.Files = map[string]Fingerprint{}
	}
	s.Version = StateVersion
	if err := t.record.Save(s); err != nil {
		return fmt.Errorf("persisting tracker state: %w", err)
	}
	return nil
}
