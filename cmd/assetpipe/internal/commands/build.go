package commands

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/builderr"
)

type BuildCmd struct {
	BuildFlags `embed:""`

	Retries    uint          `help:"Retry a build this many times when writing the output fails" default:"0" env:"ASSETPIPE_RETRIES"`
	RetryDelay time.Duration `help:"Initial delay between retries" default:"200ms"`

	fs afero.Fs `kong:"-"`
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := setup(ctx, globals)
	defer shutdown()

	log := zerolog.Ctx(ctx)
	log.Debug().Str("version", globals.Version).Msg("Starting build")

	fsys := c.fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	p, err := newPipeline(ctx, fsys, globals, c.BuildFlags)
	if err != nil {
		return err
	}

	res, err := c.buildWithRetry(ctx, p)
	if err != nil {
		return err
	}

	printSummary(out, p.Config().OutputDir(), res)
	return nil
}

// buildWithRetry retries only transient failures, everything else fails on
// the first attempt
func (c *BuildCmd) buildWithRetry(ctx context.Context, p *assets.Pipeline) (*assets.Result, error) {
	log := zerolog.Ctx(ctx)

	operation := func() (*assets.Result, error) {
		res, err := p.Build(ctx)
		if err != nil && !builderr.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}

	b := backoff.NewExponentialBackOff()
	if c.RetryDelay > 0 {
		b.InitialInterval = c.RetryDelay
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.Retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("Build failed writing output, retrying")
		}),
	)
}
