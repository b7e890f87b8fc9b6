// Package assets ties resolution, transformation, graph building and emission
// into a build pipeline.
package assets

import (
	"html/template"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/emit"
	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/resolver"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

// Timings records how long each phase of a build took
type Timings struct {
	Graph time.Duration
	Emit  time.Duration
	Write time.Duration
	Total time.Duration
}

// Result is the outcome of a successful build
type Result struct {
	BuildID  string
	Graph    *graph.Graph
	Bundles  []*emit.Bundle
	Manifest *emit.Manifest
	// Written lists every file stored in the output directory
	Written []string
	Timings Timings
}

// Pipeline manages the asset build process and script loading
type Pipeline struct {
	config   config.Config
	fs       afero.Fs
	resolver *resolver.Resolver
	chain    *transform.Chain
	builder  *graph.Builder
	emitter  *emit.Emitter
	entries  []graph.EntryPoint
	metrics  *telemetry.Metrics

	publicPath string
	tmpl       *template.Template

	mu   sync.RWMutex
	last *Result
}

// New validates cfg and prepares a pipeline reading sources from fs. Every
// entry must resolve, every rule must name a registered stage.
func New(cfg config.Config, fs afero.Fs, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{publicPath: "/"}
	for _, opt := range opts {
		opt(&o)
	}

	if !filepath.IsAbs(cfg.Context) {
		abs, err := filepath.Abs(cfg.Context)
		if err != nil {
			return nil, builderr.Config("failed to resolve context directory", err)
		}
		cfg.Context = abs
	}

	reg, err := transform.DefaultRegistry(fs, cfg.Compile)
	if err != nil {
		return nil, err
	}
	for _, s := range o.stages {
		reg.Register(s)
	}

	chain, err := transform.NewChain(cfg.Rules, reg)
	if err != nil {
		return nil, err
	}

	res := resolver.New(fs, cfg.Resolve.Extensions, cfg.Resolve.Modules)

	var entries []graph.EntryPoint
	for _, name := range cfg.EntryNames() {
		spec := cfg.Entry[name]
		if _, err := res.Resolve(spec, cfg.Context); err != nil {
			return nil, builderr.Config("entry "+name+" does not resolve", err)
		}
		entries = append(entries, graph.EntryPoint{Name: name, Specifier: spec})
	}

	metrics := o.metrics
	if metrics == nil {
		metrics = telemetry.GetMetrics()
	}

	p := &Pipeline{
		config:   cfg,
		fs:       fs,
		resolver: res,
		chain:    chain,
		builder: graph.NewBuilder(fs, res, chain, graph.Options{
			Concurrency: cfg.Build.Concurrency,
			FileTimeout: cfg.Build.FileTimeout,
			Strict:      cfg.Build.Strict,
			Cache:       o.cache,
		}),
		emitter: emit.New(fs, emit.Options{
			OutputDir: cfg.OutputDir(),
			Filename:  cfg.Output.Filename,
			SourceMap: cfg.Output.SourceMap,
			Compress:  cfg.Output.Compress,
			Manifest:  cfg.Output.Manifest,
			Context:   cfg.Context,
		}),
		entries:    entries,
		metrics:    metrics,
		publicPath: o.publicPath,
	}

	if o.templateDir != "" {
		if err := p.loadTemplates(o.templateDir, o.funcs); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Config returns the effective configuration, with an absolute context
func (p *Pipeline) Config() config.Config {
	return p.config
}

// Resolve maps a specifier imported from dir the same way a build does
func (p *Pipeline) Resolve(specifier, dir string) (string, error) {
	return p.resolver.Resolve(specifier, dir)
}

// Last returns the result of the most recent successful build
func (p *Pipeline) Last() (*Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.last != nil
}
