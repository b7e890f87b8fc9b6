package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
)

// Stage names known to DefaultRegistry
const (
	StageESBuild   = "esbuild"
	StageSourceMap = "sourcemap"
	StageScript    = "script"
	StageJSON      = "json"
	StageIdentity  = "identity"
)

// DefaultRegistry returns the built-in stages. fs is used by the sourcemap
// stage to load sidecar maps and original sources.
func DefaultRegistry(fs afero.Fs, compile config.Compile) (Registry, error) {
	esb, err := ESBuild(compile)
	if err != nil {
		return nil, err
	}

	reg := Registry{}
	reg.Register(esb)
	reg.Register(SourceMap(fs))
	reg.Register(Script())
	reg.Register(JSON())
	reg.Register(Identity())
	return reg, nil
}

// Identity returns its input unchanged
func Identity() Stage {
	return Stage{
		Name: StageIdentity,
		Run: func(_ context.Context, a Asset) (Asset, error) {
			return a, nil
		},
	}
}

// Script marks pre-minified files to be evaluated verbatim in global scope. It
// bypasses every other normal stage so globals in those files are never rewritten.
func Script() Stage {
	return Stage{
		Name:   StageScript,
		Bypass: true,
		Run: func(_ context.Context, a Asset) (Asset, error) {
			a.Kind = KindScript
			return a, nil
		},
	}
}

// JSON turns a JSON document into a CommonJS module exporting it
func JSON() Stage {
	return Stage{
		Name: StageJSON,
		Run: func(_ context.Context, a Asset) (Asset, error) {
			var buf bytes.Buffer
			buf.WriteString("module.exports = ")
			if err := json.Compact(&buf, a.Code); err != nil {
				return Asset{}, jsonError(a.Path, a.Code, err)
			}
			buf.WriteString(";\n")

			a.Code = buf.Bytes()
			a.SourceMap = nil
			a.Kind = KindModule
			return a, nil
		},
	}
}

func jsonError(path string, src []byte, err error) error {
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return builderr.Transform(path, 0, 0, fmt.Sprintf("invalid JSON: %v", err))
	}

	line, col := position(src, int(syntaxErr.Offset))
	return builderr.Transform(path, line, col, fmt.Sprintf("invalid JSON: %v", syntaxErr))
}

// position converts a byte offset into a 1-based line and column
func position(src []byte, offset int) (int, int) {
	if offset > len(src) {
		offset = len(src)
	}
	before := src[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := offset - bytes.LastIndexByte(before, '\n')
	return line, col
}
