package commands

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/assets"
	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/logger"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
)

// out receives command output, logs go to stderr
var out io.Writer = os.Stdout

type Globals struct {
	Debug     bool
	Version   string
	Config    string
	Telemetry bool
}

// BuildFlags override values from the configuration file
type BuildFlags struct {
	Output      string `help:"Output directory, overrides output.path" env:"ASSETPIPE_OUTPUT"`
	Strict      bool   `help:"Fail the build when the import graph has a cycle" env:"ASSETPIPE_STRICT"`
	Concurrency int    `help:"Maximum number of files loaded concurrently, zero keeps the configured value" default:"0" env:"ASSETPIPE_CONCURRENCY"`
}

func (f BuildFlags) apply(cfg *config.Config) {
	if f.Output != "" {
		cfg.Output.Path = f.Output
	}
	if f.Strict {
		cfg.Build.Strict = true
	}
	if f.Concurrency > 0 {
		cfg.Build.Concurrency = f.Concurrency
	}
}

// setup attaches the logger to ctx and starts telemetry when enabled. The
// returned func flushes telemetry and must always be called.
func setup(ctx context.Context, globals *Globals) (context.Context, func()) {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	if !globals.Telemetry {
		return ctx, func() {}
	}

	log.Info().Msg("Telemetry is enabled")
	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: "assetpipe",
		Version:     globals.Version,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		return ctx, func() {}
	}

	return ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

func loadConfig(ctx context.Context, fsys afero.Fs, globals *Globals, flags BuildFlags) (config.Config, error) {
	cfg, err := config.Load(fsys, globals.Config)
	if err != nil {
		return config.Config{}, err
	}
	flags.apply(&cfg)

	zerolog.Ctx(ctx).Debug().
		Str("config", globals.Config).
		Str("context", cfg.Context).
		Strs("entries", cfg.EntryNames()).
		Msg("Loaded configuration")

	return cfg, nil
}

func newPipeline(ctx context.Context, fsys afero.Fs, globals *Globals, flags BuildFlags, opts ...assets.Option) (*assets.Pipeline, error) {
	cfg, err := loadConfig(ctx, fsys, globals, flags)
	if err != nil {
		return nil, err
	}
	return assets.New(cfg, fsys, opts...)
}
