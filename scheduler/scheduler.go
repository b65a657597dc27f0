// Package scheduler runs build computations written as step machines.
//
// A Machine is a pure function: given the outcome of the effect it asked for
// last, it returns the next effect to perform or its final value. The same
// machine can be driven by RunSync (effects performed inline on the calling
// goroutine) or RunAsync (effects performed with context checks and bounded
// fan-out for Parallel batches), so pipeline code is written once and is
// agnostic to how its I/O is executed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// ErrAsyncOnly is returned by RunSync when a machine asks for an effect that
// can only be performed by the asynchronous runner.
var ErrAsyncOnly = errors.New("effect requires the async runner")

// Effect is a declared side effect. The set of effects is closed; runners
// switch over it exhaustively.
type Effect interface {
	effect()
}

// ReadFile reads the whole file at Path. Outcome value: []byte.
type ReadFile struct {
	Path string
}

// StatFile stats Path. Outcome value: fs.FileInfo. A missing file yields an
// outcome whose Err matches fs.ErrNotExist.
type StatFile struct {
	Path string
}

// Parallel performs every effect in the batch. Outcome value: []Outcome in
// the same order as Effects. Individual failures are reported per outcome;
// the batch itself only fails on cancellation.
type Parallel struct {
	Effects []Effect
}

// Await runs Fn. It is async-only: RunSync rejects it with ErrAsyncOnly.
type Await struct {
	Fn func(ctx context.Context) (interface{}, error)
}

func (ReadFile) effect() {}
func (StatFile) effect() {}
func (Parallel) effect() {}
func (Await) effect()    {}

// Outcome is the result of performing one effect.
type Outcome struct {
	Value interface{}
	Err   error
}

// Bytes returns the outcome value as a byte slice (ReadFile).
func (o Outcome) Bytes() []byte {
	b, _ := o.Value.([]byte)
	return b
}

// FileInfo returns the outcome value as fs.FileInfo (StatFile).
func (o Outcome) FileInfo() fs.FileInfo {
	fi, _ := o.Value.(fs.FileInfo)
	return fi
}

// Outcomes returns the outcome value of a Parallel batch.
func (o Outcome) Outcomes() []Outcome {
	out, _ := o.Value.([]Outcome)
	return out
}

// Step is what a machine returns on each advance: either another effect to
// perform, or Done with a final value or error.
type Step[T any] struct {
	Effect Effect
	Done   bool
	Value  T
	Err    error
}

// Perform asks the runner to perform e and call the machine again with its outcome.
func Perform[T any](e Effect) Step[T] {
	return Step[T]{Effect: e}
}

// Return finishes the machine with v.
func Return[T any](v T) Step[T] {
	return Step[T]{Done: true, Value: v}
}

// Fail finishes the machine with err.
func Fail[T any](err error) Step[T] {
	return Step[T]{Done: true, Err: err}
}

// Machine advances a computation. The first call receives a zero Outcome.
type Machine[T any] func(prev Outcome) Step[T]

// Host performs file effects. OSHost is used when none is given.
type Host interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (fs.FileInfo, error)
}

// OSHost reads from the real filesystem.
type OSHost struct{}

// ReadFile implements Host.
func (OSHost) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// Stat implements Host.
func (OSHost) Stat(path string) (fs.FileInfo, error) { return os.Stat(path) }

// Rooted resolves slash-separated relative paths against root before
// delegating to h. A nil h means OSHost.
func Rooted(root string, h Host) Host {
	if h == nil {
		h = OSHost{}
	}
	return rootedHost{root: root, host: h}
}

type rootedHost struct {
	root string
	host Host
}

func (r rootedHost) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, filepath.FromSlash(p))
}

func (r rootedHost) ReadFile(path string) ([]byte, error) { return r.host.ReadFile(r.resolve(path)) }

func (r rootedHost) Stat(path string) (fs.FileInfo, error) { return r.host.Stat(r.resolve(path)) }

// Mode selects a runner.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Options configure a run.
type Options struct {
	Host Host
	// Concurrency bounds fan-out of Parallel batches in async mode.
	// Values <= 0 mean 8.
	Concurrency int
}

func (o Options) host() Host {
	if o.Host == nil {
		return OSHost{}
	}
	return o.Host
}

func (o Options) limit() int {
	if o.Concurrency <= 0 {
		return 8
	}
	return o.Concurrency
}

// Run drives m with the runner selected by mode.
func Run[T any](ctx context.Context, mode Mode, m Machine[T], opts Options) (T, error) {
	if mode == ModeAsync {
		return RunAsync(ctx, m, opts)
	}
	return RunSync(m, opts)
}

// RunSync drives m on the calling goroutine. Parallel batches are performed
// sequentially. Await effects fail the run with ErrAsyncOnly.
func RunSync[T any](m Machine[T], opts Options) (T, error) {
	host := opts.host()
	var prev Outcome
	for {
		step := m(prev)
		if step.Done {
			return step.Value, step.Err
		}
		if step.Effect == nil {
			var zero T
			return zero, errors.New("scheduler: machine returned neither an effect nor a result")
		}
		out, err := performSync(host, step.Effect)
		if err != nil {
			var zero T
			return zero, err
		}
		prev = out
	}
}

func performSync(host Host, e Effect) (Outcome, error) {
	switch eff := e.(type) {
	case ReadFile:
		data, err := host.ReadFile(eff.Path)
		return Outcome{Value: data, Err: err}, nil
	case StatFile:
		info, err := host.Stat(eff.Path)
		return Outcome{Value: info, Err: err}, nil
	case Parallel:
		results := make([]Outcome, len(eff.Effects))
		for i, inner := range eff.Effects {
			out, err := performSync(host, inner)
			if err != nil {
				return Outcome{}, err
			}
			results[i] = out
		}
		return Outcome{Value: results}, nil
	case Await:
		return Outcome{}, ErrAsyncOnly
	default:
		return Outcome{}, fmt.Errorf("scheduler: unknown effect %T", e)
	}
}

// RunAsync drives m, checking ctx between steps and fanning Parallel batches
// out to at most opts.Concurrency goroutines. Every goroutine started for a
// batch finishes before the machine is advanced.
func RunAsync[T any](ctx context.Context, m Machine[T], opts Options) (T, error) {
	host := opts.host()
	limit := opts.limit()
	var prev Outcome
	for {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		step := m(prev)
		if step.Done {
			return step.Value, step.Err
		}
		if step.Effect == nil {
			var zero T
			return zero, errors.New("scheduler: machine returned neither an effect nor a result")
		}
		out, err := performAsync(ctx, host, limit, step.Effect)
		if err != nil {
			var zero T
			return zero, err
		}
		prev = out
	}
}

func performAsync(ctx context.Context, host Host, limit int, e Effect) (Outcome, error) {
	switch eff := e.(type) {
	case Parallel:
		results := make([]Outcome, len(eff.Effects))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, inner := range eff.Effects {
			g.Go(func() error {
				out, err := performAsync(gctx, host, limit, inner)
				if err != nil {
					return err
				}
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Outcome{}, err
		}
		return Outcome{Value: results}, nil
	case Await:
		v, err := eff.Fn(ctx)
		return Outcome{Value: v, Err: err}, nil
	default:
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		return performSync(host, e)
	}
}
