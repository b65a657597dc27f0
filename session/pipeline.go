package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"gqlbuild/artifact"
	"gqlbuild/cache"
	"gqlbuild/cas"
	"gqlbuild/depgraph"
	"gqlbuild/registry"
	"gqlbuild/scheduler"
	"gqlbuild/tracker"
)

// pass is the input of one merge: the fresh baseline and what changed.
type pass struct {
	current  tracker.State
	changes  tracker.ChangeSet
	explicit map[string]bool
	force    bool
	start    time.Time
}

// restored holds the elements of a file carried over without analysis.
type restored struct {
	elements []artifact.Element
	info     moduleInfo
}

// fileResult is the outcome of analyzing one file.
type fileResult struct {
	path        string
	fingerprint string
	unreadable  bool
	failed      bool
	ids         []string
	imports     []string
	specifiers  []string
	elements    []artifact.Element
	fresh       []artifact.Element
	warnings    []artifact.Warning
	hits        int
	misses      int
	compileErr  bool
}

func (s *Session) apply(ctx context.Context, p pass) (*artifact.Artifact, error) {
	s.mu.RLock()
	prevFiles := s.files
	prevArtifact := s.current
	graph := depgraph.NewGraph()
	for file, deps := range s.graph.Adjacency() {
		graph.Set(file, deps)
	}
	s.mu.RUnlock()

	changed := p.changes.Changed()
	if p.force {
		changed = p.current.Paths()
	}
	changedSet := depgraph.NewSet(changed...)

	// Restore unchanged files first so the graph is complete before the
	// closure is computed. A file that cannot be restored is analyzed.
	carried := make(map[string]restored)
	seeds := append(append([]string{}, changed...), p.changes.Removed...)
	for _, path := range p.current.Paths() {
		if changedSet.Has(path) {
			continue
		}
		fp := p.current.Files[path].String()
		if r, ok := s.restore(path, fp, prevFiles, prevArtifact, graph); ok {
			carried[path] = r
			continue
		}
		seeds = append(seeds, path)
	}

	// A new file can satisfy an import that did not resolve before, or
	// shadow the file it resolved to.
	if len(p.changes.Added) > 0 {
		added := make(depgraph.Set, len(p.changes.Added))
		for _, fc := range p.changes.Added {
			added[fc.FilePath] = struct{}{}
		}
		for path, r := range carried {
			if depgraph.MayResolveTo(path, r.info.specifiers, added) {
				seeds = append(seeds, path)
			}
		}
	}

	affected := graph.Affected(seeds)
	for _, path := range p.changes.Removed {
		graph.Remove(path)
	}

	var targets []string
	for _, path := range affected.Sorted() {
		if _, ok := p.current.Files[path]; ok {
			targets = append(targets, path)
			delete(carried, path)
		}
	}

	results, err := s.analyzeFiles(ctx, targets, p, prevArtifact)
	if err != nil {
		return nil, err
	}

	next := artifact.New()
	stats := artifact.Stats{}
	warnings := []artifact.Warning{}
	files := make(map[string]moduleInfo, len(p.current.Files))
	baseline := p.current.Clone()
	written := make(map[string]moduleInfo)
	var puts []elementPut
	var dropped, staleIDs []string

	for path, r := range carried {
		for _, el := range r.elements {
			next.Elements[el.ID] = el
		}
		stats.Skips += len(r.elements)
		files[path] = r.info
	}

	for _, res := range results {
		warnings = append(warnings, res.warnings...)
		switch {
		case res.unreadable:
			dropped = append(dropped, res.path)
			delete(baseline.Files, res.path)
			graph.Remove(res.path)

		case res.failed:
			// keep the last good elements and imports of the file
			if info, ok := prevFiles[res.path]; ok {
				for _, id := range info.ids {
					if el, ok := prevArtifact.Lookup(id); ok {
						next.Elements[id] = el
					}
				}
				graph.Set(res.path, depgraph.NewSet(info.imports...))
				info.clean = false
				files[res.path] = info
			}

		default:
			for _, el := range res.elements {
				next.Elements[el.ID] = el
			}
			for _, el := range res.fresh {
				puts = append(puts, elementPut{el: el, fingerprint: res.fingerprint})
			}
			stats.Hits += res.hits
			stats.Misses += res.misses
			graph.Set(res.path, depgraph.NewSet(res.imports...))
			info := moduleInfo{
				fingerprint: res.fingerprint,
				ids:         res.ids,
				imports:     res.imports,
				specifiers:  res.specifiers,
				clean:       !res.compileErr,
			}
			files[res.path] = info
			written[res.path] = info
			if info, ok := prevFiles[res.path]; ok {
				staleIDs = append(staleIDs, missing(info.ids, res.ids)...)
			}
		}
	}

	warnings = append(warnings, s.registerOperations(next)...)
	artifact.SortWarnings(warnings)
	next.Report = artifact.Report{
		DurationMs: time.Since(p.start).Milliseconds(),
		Warnings:   warnings,
		Stats:      stats,
	}

	// An abandoned build must not touch persisted state.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	removed := append(append([]string{}, p.changes.Removed...), dropped...)
	if err := s.persist(baseline, written, puts, staleIDs, removed); err != nil {
		return nil, err
	}

	analyzed := make([]string, 0, len(results))
	for _, res := range results {
		if !res.unreadable {
			analyzed = append(analyzed, res.path)
		}
	}

	s.mu.Lock()
	s.generation++
	s.current = next
	s.baseline = baseline
	s.files = files
	s.graph = graph
	s.explicit = p.explicit
	s.state = StateReady
	s.last = BuildInfo{
		Generation: s.generation,
		Changes:    p.changes,
		Analyzed:   analyzed,
		Duration:   time.Since(p.start),
	}
	gen := s.generation
	s.mu.Unlock()

	s.log.Info("build complete",
		"generation", gen,
		"elements", len(next.Elements),
		"analyzed", len(analyzed),
		"hits", stats.Hits,
		"misses", stats.Misses,
		"skips", stats.Skips,
		"warnings", len(warnings),
		"duration", time.Since(p.start))
	return next, nil
}

// restore carries a file over from the previous build, or from the element
// cache after a restart. It fails if any element of the file is missing.
func (s *Session) restore(path, fp string, prevFiles map[string]moduleInfo, prev *artifact.Artifact, graph *depgraph.Graph) (restored, bool) {
	if info, ok := prevFiles[path]; ok && info.clean && info.fingerprint == fp && prev != nil {
		els := make([]artifact.Element, 0, len(info.ids))
		for _, id := range info.ids {
			el, ok := prev.Lookup(id)
			if !ok {
				return restored{}, false
			}
			els = append(els, el)
		}
		graph.Set(path, depgraph.NewSet(info.imports...))
		return restored{elements: els, info: info}, true
	}

	entry, ok := s.elements.Module(path, fp)
	if !ok {
		return restored{}, false
	}
	modules := s.modules.Match(path)
	els := make([]artifact.Element, 0, len(entry.IDs))
	for _, id := range entry.IDs {
		el, ok := s.elements.Get(id, fp)
		if !ok {
			return restored{}, false
		}
		el.Metadata.Modules = modules
		els = append(els, el)
	}
	graph.Set(path, depgraph.NewSet(entry.Imports...))
	return restored{
		elements: els,
		info:     moduleInfo{fingerprint: fp, ids: entry.IDs, imports: entry.Imports, specifiers: entry.Specifiers, clean: true},
	}, true
}

// readAll reads every path in one parallel batch.
func readAll(paths []string) scheduler.Machine[[]scheduler.Outcome] {
	started := false
	return func(prev scheduler.Outcome) scheduler.Step[[]scheduler.Outcome] {
		if started {
			return scheduler.Return(prev.Outcomes())
		}
		started = true
		effects := make([]scheduler.Effect, len(paths))
		for i, p := range paths {
			effects[i] = scheduler.ReadFile{Path: p}
		}
		return scheduler.Perform[[]scheduler.Outcome](scheduler.Parallel{Effects: effects})
	}
}

// analyzeFiles reads and analyzes paths. Analysis runs with bounded
// concurrency and always completes before results are returned; results
// are ordered like paths.
func (s *Session) analyzeFiles(ctx context.Context, paths []string, p pass, prev *artifact.Artifact) ([]fileResult, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	outcomes, err := scheduler.Run(ctx, s.mode, readAll(paths), scheduler.Options{Host: s.host, Concurrency: s.limit})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newError(CodeScanFailed, "", err, "reading sources")
	}

	for i, path := range paths {
		if err := outcomes[i].Err; err != nil && p.explicit[path] {
			return nil, newError(CodeEntryUnreadable, path, err, "cannot read entrypoint")
		}
	}

	results := make([]fileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, path := range paths {
		fp := p.current.Files[path].String()
		out := outcomes[i]
		if out.Err != nil {
			results[i] = fileResult{
				path:       path,
				unreadable: true,
				warnings: []artifact.Warning{{
					Code:     artifact.WarnFileUnreadable,
					Message:  fmt.Sprintf("treated as removed: %v", out.Err),
					FilePath: path,
				}},
			}
			continue
		}
		content := out.Bytes()
		g.Go(func() error {
			res, err := s.analyzeFile(gctx, path, fp, content, p, prev)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Session) analyzeFile(ctx context.Context, path, fp string, content []byte, p pass, prev *artifact.Artifact) (fileResult, error) {
	if err := ctx.Err(); err != nil {
		return fileResult{}, err
	}
	res := fileResult{path: path, fingerprint: fp}

	analysis, err := s.analyzer.Analyze(ctx, content, path)
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{}, ctx.Err()
		}
		res.failed = true
		res.warnings = append(res.warnings, artifact.Warning{
			Code:     artifact.WarnAnalysisFailed,
			Message:  err.Error(),
			FilePath: path,
		})
		return res, nil
	}

	exists := func(candidate string) bool {
		if _, ok := p.current.Files[candidate]; ok {
			return true
		}
		info, err := s.host.Stat(candidate)
		return err == nil && !info.IsDir()
	}
	res.specifiers = analysis.RelativeImports()
	if res.specifiers == nil {
		res.specifiers = []string{}
	}
	res.imports = depgraph.ExtractModuleAdjacency(path, res.specifiers, exists).Sorted()
	if res.imports == nil {
		res.imports = []string{}
	}

	contentHash := cas.Blake3HashHex(content)
	modules := s.modules.Match(path)
	res.ids = make([]string, 0, len(analysis.Definitions))

	for _, site := range analysis.Definitions {
		id := site.CanonicalID
		res.ids = append(res.ids, id)

		if !p.force {
			if el, ok := s.elements.Get(id, fp); ok {
				res.elements = append(res.elements, el)
				res.hits++
				continue
			}
		}
		res.misses++

		def, err := s.compiler.Compile(site)
		if err != nil {
			res.compileErr = true
			res.warnings = append(res.warnings, artifact.Warning{
				Code:        artifact.WarnCompileFailed,
				Message:     err.Error(),
				FilePath:    path,
				CanonicalID: id,
			})
			if el, ok := s.previousElement(id, prev); ok {
				res.elements = append(res.elements, el)
			}
			continue
		}

		el := artifact.Element{
			ID:       id,
			Type:     def.Kind(),
			Prebuild: def,
			Metadata: artifact.Metadata{
				SourcePath:    path,
				ContentHash:   contentHash,
				AstPath:       site.AstPath,
				IsTopLevel:    site.IsTopLevel,
				IsExported:    site.IsExported,
				ExportBinding: site.ExportBinding,
				Modules:       modules,
			},
		}
		res.elements = append(res.elements, el)
		res.fresh = append(res.fresh, el)
	}
	return res, nil
}

// previousElement finds the last good element for id, first in the previous
// artifact and then in the cache regardless of fingerprint.
func (s *Session) previousElement(id string, prev *artifact.Artifact) (artifact.Element, bool) {
	if el, ok := prev.Lookup(id); ok {
		return el, true
	}
	return s.elements.Stale(id)
}

// registerOperations rebuilds the operation registry from a merged
// artifact and reports names defined more than once.
func (s *Session) registerOperations(a *artifact.Artifact) []artifact.Warning {
	var warnings []artifact.Warning
	s.registry.Reset()
	for _, id := range a.IDs() {
		el := a.Elements[id]
		op, ok := el.Prebuild.(artifact.Operation)
		if !ok {
			continue
		}
		err := s.registry.Register(op.OperationName, id)
		var dup *registry.DuplicateError
		if errors.As(err, &dup) {
			warnings = append(warnings, artifact.Warning{
				Code:        artifact.WarnDuplicateOperationName,
				Message:     dup.Error(),
				FilePath:    el.Metadata.SourcePath,
				CanonicalID: id,
			})
		}
	}
	return warnings
}

type elementPut struct {
	el          artifact.Element
	fingerprint string
}

// persist writes the new baseline, the summaries of analyzed files and their
// elements, then flushes the store.
func (s *Session) persist(baseline tracker.State, files map[string]moduleInfo, puts []elementPut, staleIDs, removed []string) error {
	fail := func(err error) error {
		return newError(CodeCacheFailed, "", err, "persisting build state")
	}

	for _, put := range puts {
		if err := s.elements.Put(put.el, put.fingerprint); err != nil {
			return fail(err)
		}
	}
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		info := files[path]
		if err := s.elements.PutModule(path, cache.ModuleEntry{
			Fingerprint: info.fingerprint,
			IDs:         info.ids,
			Imports:     info.imports,
			Specifiers:  info.specifiers,
		}); err != nil {
			return fail(err)
		}
	}
	for _, id := range staleIDs {
		if err := s.elements.Delete(id); err != nil {
			return fail(err)
		}
	}
	if n, err := s.elements.Prune(removed); err != nil {
		return fail(err)
	} else if n > 0 {
		s.log.Debug("pruned removed files", "files", len(removed), "elements", n)
	}
	if err := s.tracker.Persist(baseline); err != nil {
		return fail(err)
	}
	if err := s.store.Flush(); err != nil {
		return fail(err)
	}
	return nil
}

// missing returns the entries of before that are not in after.
func missing(before, after []string) []string {
	keep := make(map[string]bool, len(after))
	for _, id := range after {
		keep[id] = true
	}
	var out []string
	for _, id := range before {
		if !keep[id] {
			out = append(out, id)
		}
	}
	return out
}
