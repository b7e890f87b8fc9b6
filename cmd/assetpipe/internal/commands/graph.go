package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/graph"
)

type GraphCmd struct {
	BuildFlags `embed:""`

	Entry  string `arg:"" optional:"" help:"Entry to print, all entries when omitted"`
	Format string `help:"Output format" enum:"text,dot" default:"text"`

	fs afero.Fs `kong:"-"`
}

func (c *GraphCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := setup(ctx, globals)
	defer shutdown()

	fsys := c.fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	p, err := newPipeline(ctx, fsys, globals, c.BuildFlags)
	if err != nil {
		return err
	}
	base := p.Config().Context

	g, err := p.Graph(ctx)
	if err != nil {
		return err
	}

	if c.Format == "dot" {
		return g.WriteDOT(out, base)
	}

	names := g.EntryNames()
	if c.Entry != "" {
		names = []string{c.Entry}
	}

	for _, name := range names {
		mods, err := g.EntryModules(name)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, StyleSummary.Render(name))
		for _, m := range mods {
			fmt.Fprintf(out, "  %s %s\n", StyleNoun.Render(rel(base, m.Path)), StyleDim.Render(describe(m)))
		}
	}

	cycles, err := g.Cycles()
	if err != nil {
		return err
	}
	for _, cycle := range cycles {
		parts := make([]string, len(cycle))
		for i, p := range cycle {
			parts[i] = rel(base, p)
		}
		fmt.Fprintln(out, StyleWarn.Render("cycle: "+strings.Join(parts, ", ")))
	}

	return nil
}

func describe(m *graph.Module) string {
	return fmt.Sprintf("%s [%s]", m.Kind, strings.Join(m.Stages, ","))
}

func rel(base, path string) string {
	r, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(r)
}
