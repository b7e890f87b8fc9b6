// Package watch rebuilds when files under a directory tree change.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// RebuildFunc is called with the sorted list of changed paths. An error is
// logged and watching continues.
type RebuildFunc func(ctx context.Context, changed []string) error

// Options tune a Watcher
type Options struct {
	// Quiet period after the last change before rebuilding
	Debounce time.Duration
	// Rebuild immediately once this many distinct paths changed, zero disables it
	MaxPending int
	// Absolute directories never watched, such as the output directory
	Ignore []string
	// Directory names skipped anywhere in the tree
	SkipNames []string
}

// DefaultOptions skips dependency and VCS directories
func DefaultOptions() Options {
	return Options{
		Debounce:   100 * time.Millisecond,
		MaxPending: 1000,
		SkipNames:  []string{"node_modules", ".git"},
	}
}

type adder interface {
	Add(name string) error
}

// Watcher watches every directory under root
type Watcher struct {
	fs   afero.Fs
	root string
	opts Options
}

func New(fs afero.Fs, root string, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	opts.Ignore = slices.Clone(opts.Ignore)
	for i, dir := range opts.Ignore {
		opts.Ignore[i] = filepath.Clean(dir)
	}
	return &Watcher{fs: fs, root: filepath.Clean(root), opts: opts}
}

// Run blocks until ctx is done, rebuilding whenever files change.
func (w *Watcher) Run(ctx context.Context, rebuild RebuildFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addTree(ctx, fw, w.root); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("root", w.root).
		Dur("debounce", w.opts.Debounce).
		Msg("Watching for changes")

	return w.loop(ctx, fw, fw.Events, fw.Errors, rebuild)
}

func (w *Watcher) loop(ctx context.Context, fw adder, events <-chan fsnotify.Event, errs <-chan error, rebuild RebuildFunc) error {
	log := zerolog.Ctx(ctx)

	b := newBatcher(w.opts.Debounce, w.opts.MaxPending, func(paths []string) {
		if ctx.Err() != nil {
			return
		}
		log.Info().Strs("changed", paths).Msg("Files changed, rebuilding")
		if err := rebuild(ctx, paths); err != nil {
			log.Error().Err(err).Msg("Rebuild failed")
		}
	})
	defer b.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}

			if ev.Has(fsnotify.Create) {
				if info, err := w.fs.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addTree(ctx, fw, ev.Name); err != nil {
						log.Warn().Err(err).Str("path", ev.Name).Msg("Failed to watch new directory")
					}
				}
			}

			if err := b.Add(ev.Name); err != nil {
				return nil
			}

		case err, ok := <-errs:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// addTree watches dir and every directory below it that is not skipped
func (w *Watcher) addTree(ctx context.Context, fw adder, dir string) error {
	return afero.Walk(w.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}

		if err := fw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		zerolog.Ctx(ctx).Debug().Str("path", path).Msg("Watching directory")
		return nil
	})
}

// ignored reports whether path is inside an ignored directory, has a skipped
// directory name as a component, or is a temporary file written by a build
func (w *Watcher) ignored(path string) bool {
	path = filepath.Clean(path)

	for _, dir := range w.opts.Ignore {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if slices.Contains(w.opts.SkipNames, part) {
			return true
		}
	}

	return strings.HasSuffix(path, ".tmp")
}
