package telemetry

import (
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/assetpipe"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Module metrics
	ModulesTransformedTotal metric.Int64Counter
	TransformCacheHitsTotal metric.Int64Counter
	TransformErrorsTotal    metric.Int64Counter

	// Build metrics
	BuildDuration metric.Float64Histogram
	BuildsTotal   metric.Int64Counter

	// Bundle metrics
	BundlesEmittedTotal metric.Int64Counter
	BundleBytes         metric.Int64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance backed by the global meter
// provider, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		// the global provider never fails to create instruments
		metrics, _ = NewMetrics(otel.GetMeterProvider().Meter(instrumentationName))
	})
	return metrics
}

// Tracer returns the tracer used for build spans
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// NewMetrics creates every instrument on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err, errs error

	m.ModulesTransformedTotal, err = meter.Int64Counter(
		"assetpipe.modules.transformed.total",
		metric.WithDescription("Total number of modules run through the transform chain"),
		metric.WithUnit("{module}"),
	)
	errs = errors.Join(errs, err)

	m.TransformCacheHitsTotal, err = meter.Int64Counter(
		"assetpipe.transform.cache_hits.total",
		metric.WithDescription("Total number of modules served from the transform cache"),
		metric.WithUnit("{module}"),
	)
	errs = errors.Join(errs, err)

	m.TransformErrorsTotal, err = meter.Int64Counter(
		"assetpipe.transform.errors.total",
		metric.WithDescription("Total number of builds failed by a transform stage"),
		metric.WithUnit("{error}"),
	)
	errs = errors.Join(errs, err)

	m.BuildDuration, err = meter.Float64Histogram(
		"assetpipe.build.duration",
		metric.WithDescription("Duration of complete builds"),
		metric.WithUnit("ms"),
	)
	errs = errors.Join(errs, err)

	m.BuildsTotal, err = meter.Int64Counter(
		"assetpipe.builds.total",
		metric.WithDescription("Total number of builds by outcome"),
		metric.WithUnit("{build}"),
	)
	errs = errors.Join(errs, err)

	m.BundlesEmittedTotal, err = meter.Int64Counter(
		"assetpipe.bundles.emitted.total",
		metric.WithDescription("Total number of bundles written"),
		metric.WithUnit("{bundle}"),
	)
	errs = errors.Join(errs, err)

	m.BundleBytes, err = meter.Int64Histogram(
		"assetpipe.bundle.bytes",
		metric.WithDescription("Size of written bundles"),
		metric.WithUnit("By"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		return nil, errs
	}
	return m, nil
}
