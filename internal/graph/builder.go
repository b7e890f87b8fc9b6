package graph

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/imports"
	"github.com/wolfeidau/assetpipe/internal/transform"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Resolver maps a specifier imported from a directory to a file path.
type Resolver interface {
	Resolve(specifier, fromDir string) (string, error)
}

// Transformer runs the transform chain on one file.
type Transformer interface {
	Transform(ctx context.Context, path string, src []byte) (*transform.Result, error)
	Fingerprint() string
}

// Cache stores transform results across builds.
type Cache interface {
	Get(key string) (*transform.Result, bool)
	Add(key string, res *transform.Result)
}

// Options tune a Builder.
type Options struct {
	// Maximum number of files read and transformed at once, zero means GOMAXPROCS
	Concurrency int
	// Upper bound for reading and transforming a single file, zero disables it
	FileTimeout time.Duration
	// Fail when the graph contains an import cycle
	Strict bool
	// Optional cross-build transform cache
	Cache Cache
}

// EntryPoint names the specifier a bundle starts from.
type EntryPoint struct {
	Name      string
	Specifier string
}

// Builder walks entry points and builds a Graph. A Builder is safe for
// concurrent use, every Build call owns its own module table.
type Builder struct {
	fs       afero.Fs
	resolver Resolver
	chain    Transformer
	opts     Options
}

// NewBuilder creates a graph builder
func NewBuilder(fs afero.Fs, resolver Resolver, chain Transformer, opts Options) *Builder {
	return &Builder{
		fs:       fs,
		resolver: resolver,
		chain:    chain,
		opts:     opts,
	}
}

// table memoises modules by resolved path for the duration of one build
type table struct {
	b     *Builder
	group singleflight.Group
	sem   *semaphore.Weighted

	mu   sync.Mutex
	done map[string]loaded

	files       atomic.Int64
	transformed atomic.Int64
	cacheHits   atomic.Int64
}

type loaded struct {
	mod *Module
	err error
}

// walk is the traversal state of one entry
type walk struct {
	entry  *Entry
	cycle  []string
	loaded map[string]*Module
}

// Build resolves every entry specifier from baseDir and loads everything they
// import. The first failure aborts the build, the partial graph is discarded.
func (b *Builder) Build(ctx context.Context, baseDir string, entries []EntryPoint) (*Graph, error) {
	entries = slices.Clone(entries)
	slices.SortFunc(entries, func(a, b EntryPoint) int { return strings.Compare(a.Name, b.Name) })

	concurrency := b.opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	t := &table{
		b:    b,
		sem:  semaphore.NewWeighted(int64(concurrency)),
		done: map[string]loaded{},
	}

	walks := make([]*walk, len(entries))
	errs := make([]error, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range entries {
		g.Go(func() error {
			walks[i], errs[i] = b.walk(gctx, t, ep, baseDir)
			return errs[i]
		})
	}
	_ = g.Wait()

	if err := firstError(errs); err != nil {
		return nil, err
	}

	graph := assemble(walks, t)

	if b.opts.Strict && graph.Cyclic {
		for _, w := range walks {
			if w.cycle != nil {
				return nil, &builderr.Error{
					Kind:  builderr.KindBuild,
					Path:  w.cycle[0],
					Msg:   fmt.Sprintf("import cycle detected in entry %q", w.entry.Name),
					Trail: w.cycle,
				}
			}
		}
	}

	return graph, nil
}

func (b *Builder) walk(ctx context.Context, t *table, ep EntryPoint, baseDir string) (*walk, error) {
	root, err := b.resolver.Resolve(ep.Specifier, baseDir)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", ep.Name, err)
	}

	w := &walk{
		entry:  &Entry{Name: ep.Name, Root: root},
		loaded: map[string]*Module{},
	}

	// breadth first waves, each wave loads concurrently; parents are assigned in
	// wave order so trails do not depend on completion order
	parent := map[string]string{root: ""}
	frontier := []string{root}

	for len(frontier) > 0 {
		mods := make([]*Module, len(frontier))
		errs := make([]error, len(frontier))

		g, gctx := errgroup.WithContext(ctx)
		for i, path := range frontier {
			g.Go(func() error {
				mods[i], errs[i] = t.load(gctx, path)
				return errs[i]
			})
		}
		_ = g.Wait()

		for i, err := range errs {
			if err != nil && !isInterruption(err) {
				return nil, withTrail(err, trail(parent, frontier[i]))
			}
		}
		if err := firstError(errs); err != nil {
			return nil, err
		}

		var next []string
		for i, m := range mods {
			w.loaded[m.Path] = m
			for _, spec := range m.Imports {
				dep := m.Deps[spec]
				if _, seen := parent[dep]; !seen {
					parent[dep] = frontier[i]
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	w.order(root)
	return w, nil
}

// order computes first-discovery order with a DFS in import order, recording
// back edges instead of re-entering modules still in progress.
func (w *walk) order(root string) {
	const (
		unvisited = iota
		inProgress
		finished
	)

	state := map[string]int{}
	var stack []string

	var visit func(path string)
	visit = func(path string) {
		state[path] = inProgress
		stack = append(stack, path)
		w.entry.Order = append(w.entry.Order, path)

		m := w.loaded[path]
		for _, spec := range m.Imports {
			dep := m.Deps[spec]
			switch state[dep] {
			case unvisited:
				visit(dep)
			case inProgress:
				w.entry.BackEdges = append(w.entry.BackEdges, Edge{From: path, To: dep})
				if w.cycle == nil {
					idx := slices.Index(stack, dep)
					w.cycle = append(slices.Clone(stack[idx:]), dep)
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[path] = finished
	}

	visit(root)
	w.entry.Cyclic = len(w.entry.BackEdges) > 0
}

func assemble(walks []*walk, t *table) *Graph {
	g := &Graph{
		byPath:  map[string]*Module{},
		entries: map[string]*Entry{},
		Stats: Stats{
			Files:       int(t.files.Load()),
			Transformed: int(t.transformed.Load()),
			CacheHits:   int(t.cacheHits.Load()),
		},
	}

	seenBack := map[Edge]bool{}
	for _, w := range walks {
		g.entries[w.entry.Name] = w.entry
		g.names = append(g.names, w.entry.Name)

		for _, path := range w.entry.Order {
			if _, ok := g.byPath[path]; ok {
				continue
			}
			m := w.loaded[path]
			m.ID = len(g.Modules)
			g.byPath[path] = m
			g.Modules = append(g.Modules, m)
		}

		for _, e := range w.entry.BackEdges {
			if !seenBack[e] {
				seenBack[e] = true
				g.BackEdges = append(g.BackEdges, e)
			}
		}
	}

	seen := map[Edge]bool{}
	for _, m := range g.Modules {
		for _, spec := range m.Imports {
			e := Edge{From: m.Path, To: m.Deps[spec]}
			if !seen[e] {
				seen[e] = true
				g.Edges = append(g.Edges, e)
			}
		}
	}

	g.Cyclic = len(g.BackEdges) > 0
	return g
}

// load returns the module for path, reading and transforming it at most once per build.
func (t *table) load(ctx context.Context, path string) (*Module, error) {
	t.mu.Lock()
	if r, ok := t.done[path]; ok {
		t.mu.Unlock()
		return r.mod, r.err
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do(path, func() (any, error) {
		t.mu.Lock()
		if r, ok := t.done[path]; ok {
			t.mu.Unlock()
			return r.mod, r.err
		}
		t.mu.Unlock()

		mod, err := t.loadUnit(ctx, path)
		if !isInterruption(err) {
			t.mu.Lock()
			t.done[path] = loaded{mod: mod, err: err}
			t.mu.Unlock()
		}
		return mod, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*Module), nil
}

// loadUnit bounds a single read+transform by the file timeout
func (t *table) loadUnit(ctx context.Context, path string) (*Module, error) {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, interrupted(ctx, path)
	}
	defer t.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return nil, interrupted(ctx, path)
	}

	unitCtx := ctx
	if d := t.b.opts.FileTimeout; d > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	type result struct {
		mod *Module
		err error
	}
	ch := make(chan result, 1)
	go func() {
		mod, err := t.loadModule(unitCtx, path)
		ch <- result{mod: mod, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && unitCtx.Err() != nil && ctx.Err() == nil {
			return nil, timedOut(path, t.b.opts.FileTimeout)
		}
		if r.err != nil && ctx.Err() != nil {
			return nil, interrupted(ctx, path)
		}
		return r.mod, r.err
	case <-unitCtx.Done():
		if ctx.Err() != nil {
			return nil, interrupted(ctx, path)
		}
		return nil, timedOut(path, t.b.opts.FileTimeout)
	}
}

func (t *table) loadModule(ctx context.Context, path string) (*Module, error) {
	log := zerolog.Ctx(ctx)

	src, err := afero.ReadFile(t.b.fs, path)
	if err != nil {
		return nil, builderr.Build(path, "failed to read source", err)
	}
	t.files.Add(1)

	h := crc64nvme.New()
	h.Write(src)
	sum := h.Sum64()

	var (
		res    *transform.Result
		cached bool
		key    string
	)
	if t.b.opts.Cache != nil {
		key = cacheKey(path, t.b.chain.Fingerprint(), sum)
		res, cached = t.b.opts.Cache.Get(key)
		if cached && !t.fresh(res) {
			log.Debug().Str("path", path).Msg("Cached transform is stale")
			res, cached = nil, false
		}
	}

	if cached {
		t.cacheHits.Add(1)
	} else {
		started := time.Now()
		res, err = t.b.chain.Transform(ctx, path, src)
		if err != nil {
			return nil, err
		}
		t.transformed.Add(1)

		log.Debug().
			Str("path", path).
			Strs("stages", res.Stages).
			Dur("duration", time.Since(started)).
			Msg("Transformed module")

		if t.b.opts.Cache != nil {
			t.b.opts.Cache.Add(key, res)
		}
	}

	for _, w := range res.Warnings {
		log.Warn().Str("path", path).Str("warning", w).Msg("Transform warning")
	}

	m := &Module{
		Path:        path,
		ContentType: contentType(path),
		Source:      src,
		Hash:        sum,
		Deps:        map[string]string{},
		Output:      res.Code,
		SourceMap:   res.SourceMap,
		Kind:        res.Kind,
		Stages:      res.Stages,
		Warnings:    res.Warnings,
		Cached:      cached,
	}

	if m.Kind == transform.KindScript {
		return m, nil
	}

	dir := filepath.Dir(path)
	for _, spec := range imports.Scan(res.Code) {
		dep, err := t.b.resolver.Resolve(spec, dir)
		if err != nil {
			return nil, importerError(path, spec, err)
		}
		m.Imports = append(m.Imports, spec)
		m.Deps[spec] = dep
	}

	return m, nil
}

// fresh reports whether every extra file a cached result was built from still
// has the content it had then
func (t *table) fresh(res *transform.Result) bool {
	for _, in := range res.Inputs {
		data, err := afero.ReadFile(t.b.fs, in.Path)
		if err != nil {
			data = nil
		}
		var sum uint64
		if data != nil {
			sum = transform.Checksum(data)
		}
		if sum != in.Sum {
			return false
		}
	}
	return true
}

// importerError attributes a resolver failure to the importing file
func importerError(path, spec string, err error) error {
	var perr *builderr.Error
	if !errors.As(err, &perr) {
		return builderr.Build(path, fmt.Sprintf("failed to resolve %q", spec), err)
	}
	cp := *perr
	cp.Path = path
	cp.Specifier = spec
	return &cp
}

// withTrail attaches the trail, ending NotFound trails at the missing specifier
func withTrail(err error, tr []string) error {
	var perr *builderr.Error
	if errors.As(err, &perr) && perr.Kind == builderr.KindNotFound && perr.Specifier != "" {
		tr = append(tr, perr.Specifier)
	}
	return builderr.WithTrail(err, tr)
}

// trail walks parent links from path back to the entry root
func trail(parent map[string]string, path string) []string {
	var tr []string
	for p := path; p != ""; p = parent[p] {
		tr = append(tr, p)
	}
	slices.Reverse(tr)
	return tr
}

func cacheKey(path, fingerprint string, sum uint64) string {
	return path + "\x00" + fingerprint + "\x00" + strconv.FormatUint(sum, 16)
}

// interruption marks a load stopped because its context ended. The cause is
// either the caller's cancellation or a failure elsewhere in the build.
type interruption struct {
	cause error
}

func (e *interruption) Error() string { return e.cause.Error() }
func (e *interruption) Unwrap() error { return e.cause }

func isInterruption(err error) bool {
	var ie *interruption
	return errors.As(err, &ie) || errors.Is(err, context.Canceled)
}

func interrupted(ctx context.Context, path string) error {
	cause := &interruption{cause: context.Cause(ctx)}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return builderr.Build(path, "build timed out", cause)
	}
	return builderr.Build(path, "build cancelled", cause)
}

func timedOut(path string, d time.Duration) error {
	return builderr.Build(path, fmt.Sprintf("transform timed out after %s", d), context.DeadlineExceeded)
}

// firstError prefers real failures over the interruptions they caused
func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil && !isInterruption(err) {
			return err
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
