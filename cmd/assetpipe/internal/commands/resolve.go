package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

type ResolveCmd struct {
	Specifier string `arg:"" help:"Import specifier, e.g. ./util or lodash"`
	From      string `help:"Directory the specifier is resolved from, defaults to the context" type:"path"`

	fs afero.Fs `kong:"-"`
}

func (c *ResolveCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, shutdown := setup(ctx, globals)
	defer shutdown()

	fsys := c.fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	p, err := newPipeline(ctx, fsys, globals, BuildFlags{})
	if err != nil {
		return err
	}

	from := c.From
	if from == "" {
		from = p.Config().Context
	} else if !filepath.IsAbs(from) {
		abs, err := filepath.Abs(from)
		if err != nil {
			return fmt.Errorf("failed to resolve directory %s: %w", from, err)
		}
		from = abs
	}

	path, err := p.Resolve(c.Specifier, from)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, path)
	return nil
}
