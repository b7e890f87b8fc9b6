package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/cache"
	"github.com/wolfeidau/assetpipe/internal/watch"
)

type WatchCmd struct {
	BuildFlags `embed:""`

	Debounce  time.Duration `help:"Quiet period after a change before rebuilding" default:"100ms" env:"ASSETPIPE_DEBOUNCE"`
	CacheSize int           `help:"Number of transformed modules kept between builds" default:"4096" env:"ASSETPIPE_CACHE_SIZE"`

	fs afero.Fs `kong:"-"`
}

func (c *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := setup(ctx, globals)
	defer shutdown()

	log := zerolog.Ctx(ctx)

	fsys := c.fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	tc, err := cache.New(c.CacheSize)
	if err != nil {
		return err
	}

	p, err := newPipeline(ctx, fsys, globals, c.BuildFlags, assets.WithCache(tc))
	if err != nil {
		return err
	}
	cfg := p.Config()

	// a broken initial build still watches, the next save may fix it
	if res, err := p.Build(ctx); err != nil {
		log.Error().Err(err).Strs("trail", builderr.TrailOf(err)).Msg("Initial build failed")
	} else {
		printSummary(out, cfg.OutputDir(), res)
	}

	opts := watch.DefaultOptions()
	opts.Debounce = c.Debounce
	opts.Ignore = []string{cfg.OutputDir()}

	w := watch.New(fsys, cfg.Context, opts)
	return w.Run(ctx, func(ctx context.Context, _ []string) error {
		res, err := p.Build(ctx)
		if err != nil {
			return err
		}

		hits, misses := tc.Stats()
		log.Debug().Int64("cache_hits", hits).Int64("cache_misses", misses).Int("cache_size", tc.Len()).Msg("Transform cache")

		printSummary(out, cfg.OutputDir(), res)
		return nil
	})
}
