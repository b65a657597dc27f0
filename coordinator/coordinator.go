// Package coordinator shares one build session between concurrent
// consumers. Callers pull the latest snapshot with EnsureLatest or push a
// known change set with Update; subscribers receive every build outcome.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"gqlbuild/artifact"
	"gqlbuild/session"
	"gqlbuild/tracker"
)

// ErrClosed is returned by builds requested after Close.
var ErrClosed = errors.New("coordinator: closed")

// Builder is the session surface the coordinator drives. *session.Session
// implements it.
type Builder interface {
	Build(ctx context.Context, opts session.BuildOptions) (*artifact.Artifact, error)
	Update(ctx context.Context, changes tracker.ChangeSet) (*artifact.Artifact, error)
	Generation() int64
}

// Kind names the operation that produced an event.
type Kind string

const (
	KindBuild  Kind = "build"
	KindUpdate Kind = "update"
)

// Observer receives the outcome of every build. internal/metrics provides a
// Prometheus implementation.
type Observer interface {
	ObserveBuild(kind Kind, d time.Duration, a *artifact.Artifact, err error)
}

// SnapshotOptions describe the project a snapshot was built for.
type SnapshotOptions struct {
	Root   string            `json:"root"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Snapshot is an immutable view of one successful build.
type Snapshot struct {
	Artifact *artifact.Artifact
	// Elements aliases Artifact.Elements.
	Elements   map[string]artifact.Element
	Generation int64
	CreatedAt  time.Time
	BuildID    string
	Options    SnapshotOptions
}

// SnapshotDiff lists element ids that changed between two generations.
type SnapshotDiff struct {
	FromGeneration int64
	ToGeneration   int64
	Added          []string
	Updated        []string
	Removed        []string
}

// Empty reports whether no element changed.
func (d SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Event is delivered to subscribers after every build. On failure Err is
// set, Snapshot is the still-current snapshot (nil before the first
// success) and Diff is empty.
type Event struct {
	Kind     Kind
	Snapshot *Snapshot
	Diff     SnapshotDiff
	Err      error
}

// Options configure a coordinator.
type Options struct {
	Snapshot SnapshotOptions
	Observer Observer
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type subscriber struct {
	id int
	fn func(Event)
}

// Coordinator serializes builds of one session. At most one build runs at a
// time; EnsureLatest callers that arrive during a build share its result.
type Coordinator struct {
	builder  Builder
	opts     SnapshotOptions
	observer Observer
	log      *slog.Logger
	now      func() time.Time

	group   singleflight.Group
	buildMu sync.Mutex
	closed  bool

	mu      sync.RWMutex
	current *Snapshot
	subs    []subscriber
	nextSub int
}

// New wraps b.
func New(b Builder, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		builder:  b,
		opts:     opts.Snapshot,
		observer: opts.Observer,
		log:      logger,
		now:      now,
	}
}

// Current returns the latest snapshot, or nil before the first successful
// build.
func (c *Coordinator) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Subscribe registers fn for every later build outcome and returns a
// function that removes it. Subscribers run synchronously, in registration
// order, on the goroutine that ran the build.
func (c *Coordinator) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// EnsureLatest builds the session and returns the resulting snapshot.
// Concurrent callers share one in-flight build. A caller whose ctx ends
// stops waiting, but the shared build runs to completion.
func (c *Coordinator) EnsureLatest(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("latest", func() (interface{}, error) {
		return c.run(context.WithoutCancel(ctx), KindBuild, func(ctx context.Context) (*artifact.Artifact, error) {
			return c.builder.Build(ctx, session.BuildOptions{})
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// Update applies a change set reported by the caller. Updates are never
// collapsed; each one runs after any build in flight.
func (c *Coordinator) Update(ctx context.Context, changes tracker.ChangeSet) (*Snapshot, error) {
	return c.run(ctx, KindUpdate, func(ctx context.Context) (*artifact.Artifact, error) {
		return c.builder.Update(ctx, changes)
	})
}

func (c *Coordinator) run(ctx context.Context, kind Kind, fn func(context.Context) (*artifact.Artifact, error)) (*Snapshot, error) {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	start := c.now()
	a, err := fn(ctx)
	elapsed := c.now().Sub(start)
	if c.observer != nil {
		c.observer.ObserveBuild(kind, elapsed, a, err)
	}

	if err != nil {
		c.log.Warn("build failed", "kind", kind, "error", err)
		c.notify(Event{Kind: kind, Snapshot: c.Current(), Err: err})
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	c.mu.Lock()
	prev := c.current
	next := &Snapshot{
		Artifact:   a,
		Elements:   a.Elements,
		Generation: c.builder.Generation(),
		CreatedAt:  c.now(),
		BuildID:    uuid.New().String(),
		Options:    c.opts,
	}
	c.current = next
	c.mu.Unlock()

	diff := Diff(prev, next)
	c.log.Info("snapshot published",
		"kind", kind,
		"generation", next.Generation,
		"build_id", next.BuildID,
		"added", len(diff.Added),
		"updated", len(diff.Updated),
		"removed", len(diff.Removed),
	)
	c.notify(Event{Kind: kind, Snapshot: next, Diff: diff})
	return next, nil
}

// Close waits for the build in flight, if any, and rejects later builds.
// The session can be disposed once Close returns.
func (c *Coordinator) Close() {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	c.closed = true
}

// Diff compares two snapshots by element prebuild encoding. A nil prev
// reports every element of next as added.
func Diff(prev, next *Snapshot) SnapshotDiff {
	var pa, na *artifact.Artifact
	d := SnapshotDiff{}
	if prev != nil {
		pa = prev.Artifact
		d.FromGeneration = prev.Generation
	}
	if next != nil {
		na = next.Artifact
		d.ToGeneration = next.Generation
	}
	cmp := artifact.Compare(pa, na)
	d.Added, d.Updated, d.Removed = cmp.Added, cmp.Updated, cmp.Removed
	return d
}

func (c *Coordinator) notify(ev Event) {
	c.mu.RLock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, s := range subs {
		c.deliver(s, ev)
	}
}

func (c *Coordinator) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("subscriber panicked", "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}
