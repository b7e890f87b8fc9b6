package assets

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/logger"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Build resolves every entry, transforms what they import and writes one bundle
// per entry plus the manifest. Concurrent calls are serialized. Nothing is
// written unless every bundle rendered.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	started := time.Now()
	buildID := uuid.NewString()

	if d := p.config.Build.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	log := zerolog.Ctx(ctx).With().Str("build_id", buildID).Logger()
	ctx = log.WithContext(ctx)

	ctx, span := telemetry.Tracer().Start(ctx, "assetpipe.build",
		trace.WithAttributes(
			attribute.String("build_id", buildID),
			attribute.Int("entries", len(p.entries)),
		))
	defer span.End()

	log.Info().Int("entries", len(p.entries)).Msg("Building assets")

	res, err := p.build(ctx, buildID)
	elapsed := time.Since(started)

	status := "success"
	var kind []attribute.KeyValue
	if err != nil {
		status = "failure"
		kind = append(kind, attribute.String("kind", builderr.KindOf(err).String()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if builderr.KindOf(err) == builderr.KindTransform {
			p.metrics.TransformErrorsTotal.Add(ctx, 1)
		}
	}
	p.metrics.BuildsTotal.Add(ctx, 1, metric.WithAttributes(append(kind, attribute.String("status", status))...))
	p.metrics.BuildDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("status", status)))

	if err != nil {
		return nil, err
	}

	res.Timings.Total = elapsed
	p.last = res

	log.Info().
		Int("modules", len(res.Graph.Modules)).
		Int("transformed", res.Graph.Stats.Transformed).
		Int("cache_hits", res.Graph.Stats.CacheHits).
		Int("bundles", len(res.Bundles)).
		Bool("cyclic", res.Graph.Cyclic).
		Dur("duration", elapsed).
		Msg("Build finished")

	return res, nil
}

func (p *Pipeline) build(ctx context.Context, buildID string) (*Result, error) {
	res := &Result{BuildID: buildID}

	if err := p.phase(ctx, "graph", &res.Timings.Graph, func(ctx context.Context) error {
		var err error
		res.Graph, err = p.builder.Build(ctx, p.config.Context, p.entries)
		return err
	}); err != nil {
		return nil, err
	}

	p.metrics.ModulesTransformedTotal.Add(ctx, int64(res.Graph.Stats.Transformed))
	p.metrics.TransformCacheHitsTotal.Add(ctx, int64(res.Graph.Stats.CacheHits))

	if res.Graph.Cyclic {
		cycles, err := res.Graph.Cycles()
		if err == nil {
			zerolog.Ctx(ctx).Warn().Int("cycles", len(cycles)).Msg("Import graph contains cycles")
		}
	}

	if err := p.phase(ctx, "emit", &res.Timings.Emit, func(ctx context.Context) error {
		var err error
		res.Bundles, err = p.emitter.EmitAll(res.Graph)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.phase(ctx, "write", &res.Timings.Write, func(ctx context.Context) error {
		var err error
		res.Written, err = p.emitter.Write(ctx, res.Bundles)
		return err
	}); err != nil {
		return nil, err
	}

	for _, b := range res.Bundles {
		attrs := metric.WithAttributes(attribute.String("entry", b.Name))
		p.metrics.BundlesEmittedTotal.Add(ctx, 1, attrs)
		p.metrics.BundleBytes.Record(ctx, int64(len(b.Code)), attrs)
	}

	res.Manifest = p.emitter.Manifest(res.Bundles)
	return res, nil
}

// phase runs fn inside a span, logging and timing it
func (p *Pipeline) phase(ctx context.Context, name string, elapsed *time.Duration, fn func(context.Context) error) error {
	ctx, span := telemetry.Tracer().Start(ctx, "assetpipe."+name)
	defer span.End()

	done := logger.Phase(ctx, name)
	started := time.Now()

	err := fn(ctx)

	*elapsed = time.Since(started)
	done(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Graph builds the dependency graph without emitting anything
func (p *Pipeline) Graph(ctx context.Context) (*graph.Graph, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d := p.config.Build.Timeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	return p.builder.Build(ctx, p.config.Context, p.entries)
}
