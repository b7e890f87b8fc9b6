package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/assetpipe/cmd/assetpipe/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Build     commands.BuildCmd   `cmd:"" help:"Build every entry into the output directory"`
		Watch     commands.WatchCmd   `cmd:"" help:"Build, then rebuild whenever sources change"`
		Graph     commands.GraphCmd   `cmd:"" help:"Print the module graph of an entry"`
		Resolve   commands.ResolveCmd `cmd:"" help:"Resolve an import specifier"`
		Debug     bool                `help:"Enable debug mode."`
		Config    string              `help:"Path to the configuration file" default:"assetpipe.yaml" env:"ASSETPIPE_CONFIG" type:"path"`
		Telemetry bool                `help:"Export traces and metrics over OTLP" env:"ASSETPIPE_TELEMETRY"`
		Version   kong.VersionFlag
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:     cli.Debug,
		Version:   version,
		Config:    cli.Config,
		Telemetry: cli.Telemetry,
	})
	cmd.FatalIfErrorf(err)
}
