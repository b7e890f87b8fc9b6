// Package emit renders dependency graphs into bundle files.
package emit

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/minio/crc64nvme"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

// Options control how bundles are named and which files accompany them.
type Options struct {
	// Directory bundles are written to
	OutputDir string
	// File name pattern, supports [name], [hash] and [hash:N]
	Filename string
	SourceMap bool
	// Sidecar encodings, "gzip" and/or "zstd"
	Compress []string
	// Manifest file name relative to OutputDir, empty disables it
	Manifest string
	// Base directory that module paths are reported relative to
	Context string
}

// File is one rendered output, relative to the output directory.
type File struct {
	Name string
	Data []byte
}

// Bundle is the rendered output of one entry.
type Bundle struct {
	Name     string
	FileName string
	// Root is the entry module path
	Root      string
	Code      []byte
	SourceMap []byte
	// Modules lists the module paths in emission order
	Modules []string
	Hash    string
	Cyclic  bool
	// Files holds the bundle, its source map and sidecars in write order
	Files []File
}

// Emitter renders and writes bundles.
type Emitter struct {
	fs   afero.Fs
	opts Options
}

func New(fs afero.Fs, opts Options) *Emitter {
	if opts.Filename == "" {
		opts.Filename = "[name].js"
	}
	return &Emitter{fs: fs, opts: opts}
}

// EmitAll renders every entry of g in sorted name order.
func (e *Emitter) EmitAll(g *graph.Graph) ([]*Bundle, error) {
	var bundles []*Bundle
	seen := map[string]string{}

	for _, name := range g.EntryNames() {
		b, err := e.Emit(g, name)
		if err != nil {
			return nil, err
		}
		if other, ok := seen[b.FileName]; ok {
			return nil, builderr.Build(b.FileName, fmt.Sprintf("entries %q and %q produce the same file name", other, name), nil)
		}
		seen[b.FileName] = name
		bundles = append(bundles, b)
	}

	return bundles, nil
}

// Emit renders the named entry of g. Identical graphs produce identical bytes.
func (e *Emitter) Emit(g *graph.Graph, name string) (*Bundle, error) {
	entry, ok := g.Entry(name)
	if !ok {
		return nil, builderr.Build("", fmt.Sprintf("unknown entry %q", name), nil)
	}

	mods, err := g.EntryModules(name)
	if err != nil {
		return nil, builderr.Build(entry.Root, "failed to collect modules", err)
	}

	var r *rendered
	if len(mods) == 1 && mods[0].Kind == transform.KindScript {
		r = renderScript(mods[0])
	} else {
		r = renderRuntime(mods, entry.Cyclic, e.relative)
	}

	h := crc64nvme.New()
	h.Write(r.code)

	fileName, err := expandFilename(e.opts.Filename, name, h.Sum64())
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Name:     name,
		FileName: fileName,
		Root:     entry.Root,
		Hash:     encodeHash(h.Sum64()),
		Cyclic:   entry.Cyclic,
	}
	for _, m := range mods {
		b.Modules = append(b.Modules, m.Path)
	}

	code := r.code
	if e.opts.SourceMap {
		bundleDir := path.Dir(path.Join(filepath.ToSlash(e.opts.OutputDir), fileName))
		sm, err := indexMap(path.Base(fileName), r.sections, bundleDir)
		if err != nil {
			return nil, builderr.Build(entry.Root, "failed to build source map", err)
		}
		b.SourceMap = sm
		code = append(code, "//# sourceMappingURL="+path.Base(fileName)+".map\n"...)
	}
	b.Code = code

	b.Files = append(b.Files, File{Name: fileName, Data: b.Code})
	if b.SourceMap != nil {
		b.Files = append(b.Files, File{Name: fileName + ".map", Data: b.SourceMap})
	}

	for _, enc := range e.opts.Compress {
		data, ext, err := compress(enc, b.Code)
		if err != nil {
			return nil, builderr.Build(fileName, "failed to compress bundle", err)
		}
		b.Files = append(b.Files, File{Name: fileName + ext, Data: data})
	}

	return b, nil
}

// relative reports p relative to the context directory with forward slashes
func (e *Emitter) relative(p string) string {
	if e.opts.Context == "" {
		return filepath.ToSlash(p)
	}
	rel, err := filepath.Rel(e.opts.Context, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}
