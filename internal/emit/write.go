package emit

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
)

// Manifest describes the files of one build, keyed by output file name.
type Manifest struct {
	// Entries maps bundle names to their output file
	Entries map[string]string         `json:"entries"`
	Outputs map[string]ManifestOutput `json:"outputs"`
}

type ManifestOutput struct {
	EntryPoint string   `json:"entryPoint"`
	Inputs     []string `json:"inputs"`
	Bytes      int      `json:"bytes"`
	Hash       string   `json:"hash"`
	Cyclic     bool     `json:"cyclic"`
	SourceMap  string   `json:"sourceMap,omitempty"`
}

// Manifest builds the manifest for bundles
func (e *Emitter) Manifest(bundles []*Bundle) *Manifest {
	m := &Manifest{
		Entries: map[string]string{},
		Outputs: map[string]ManifestOutput{},
	}

	for _, b := range bundles {
		out := ManifestOutput{
			EntryPoint: e.relative(b.Root),
			Bytes:      len(b.Code),
			Hash:       b.Hash,
			Cyclic:     b.Cyclic,
		}
		for _, p := range b.Modules {
			out.Inputs = append(out.Inputs, e.relative(p))
		}
		if b.SourceMap != nil {
			out.SourceMap = b.FileName + ".map"
		}
		m.Entries[b.Name] = b.FileName
		m.Outputs[b.FileName] = out
	}

	return m
}

// Write stores every file of bundles in the output directory, then the
// manifest. Each file is written to a temporary name and renamed into place.
// It returns the paths written.
func (e *Emitter) Write(ctx context.Context, bundles []*Bundle) ([]string, error) {
	log := zerolog.Ctx(ctx)

	var written []string
	for _, b := range bundles {
		for _, f := range b.Files {
			if err := ctx.Err(); err != nil {
				return written, builderr.Build(f.Name, "build cancelled", err)
			}

			p, err := e.writeFile(f.Name, f.Data)
			if err != nil {
				return written, err
			}
			written = append(written, p)
		}

		log.Debug().
			Str("entry", b.Name).
			Str("file", b.FileName).
			Int("bytes", len(b.Code)).
			Int("modules", len(b.Modules)).
			Msg("Wrote bundle")
	}

	if e.opts.Manifest == "" {
		return written, nil
	}

	data, err := json.MarshalIndent(e.Manifest(bundles), "", "  ")
	if err != nil {
		return written, builderr.Build(e.opts.Manifest, "failed to encode manifest", err)
	}

	p, err := e.writeFile(e.opts.Manifest, append(data, '\n'))
	if err != nil {
		return written, err
	}
	return append(written, p), nil
}

func (e *Emitter) writeFile(name string, data []byte) (string, error) {
	target := filepath.Join(e.opts.OutputDir, filepath.FromSlash(name))
	dir := filepath.Dir(target)

	if err := e.fs.MkdirAll(dir, 0o755); err != nil {
		return "", builderr.Write(target, err)
	}

	tmp, err := afero.TempFile(e.fs, dir, "."+path.Base(filepath.ToSlash(name))+".*.tmp")
	if err != nil {
		return "", builderr.Write(target, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = e.fs.Remove(tmpName)
		return "", builderr.Write(target, err)
	}
	if err := tmp.Close(); err != nil {
		_ = e.fs.Remove(tmpName)
		return "", builderr.Write(target, err)
	}
	if err := e.fs.Chmod(tmpName, 0o644); err != nil {
		_ = e.fs.Remove(tmpName)
		return "", builderr.Write(target, err)
	}
	if err := e.fs.Rename(tmpName, target); err != nil {
		_ = e.fs.Remove(tmpName)
		return "", builderr.Write(target, err)
	}

	return target, nil
}
