package assets

import (
	"html/template"

	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

type options struct {
	cache       graph.Cache
	stages      []transform.Stage
	metrics     *telemetry.Metrics
	publicPath  string
	templateDir string
	funcs       template.FuncMap
}

// Option customises a Pipeline
type Option func(*options)

// WithCache keeps transform results across builds, used by watch mode
func WithCache(c graph.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithStage registers an extra transform stage that rules can name
func WithStage(s transform.Stage) Option {
	return func(o *options) { o.stages = append(o.stages, s) }
}

// WithMetrics records build metrics on m instead of the global instruments
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPublicPath sets the URL prefix bundles are served under (default "/")
func WithPublicPath(prefix string) Option {
	return func(o *options) { o.publicPath = prefix }
}

// WithTemplateDir loads every *.html template in dir for Handler, with funcs
// added to the built-in marshal and safe helpers
func WithTemplateDir(dir string, funcs template.FuncMap) Option {
	return func(o *options) {
		o.templateDir = dir
		o.funcs = funcs
	}
}
