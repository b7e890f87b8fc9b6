package transform

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
)

var targets = map[string]api.Target{
	"":       api.ES2017,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"esnext": api.ESNext,
}

var jsxModes = map[string]api.JSX{
	"":          api.JSXAutomatic,
	"automatic": api.JSXAutomatic,
	"transform": api.JSXTransform,
}

var loaders = map[string]api.Loader{
	".ts":  api.LoaderTS,
	".mts": api.LoaderTS,
	".cts": api.LoaderTS,
	".tsx": api.LoaderTSX,
	".jsx": api.LoaderJSX,
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".cjs": api.LoaderJS,
}

// ESBuild compiles TypeScript, JSX and ES modules to CommonJS using esbuild's
// transform API. Each file is compiled in isolation.
func ESBuild(opts config.Compile) (Stage, error) {
	target, ok := targets[strings.ToLower(opts.Target)]
	if !ok {
		return Stage{}, builderr.Config(fmt.Sprintf("unknown compile target %q", opts.Target), nil)
	}

	jsx, ok := jsxModes[strings.ToLower(opts.JSX)]
	if !ok {
		return Stage{}, builderr.Config(fmt.Sprintf("unknown jsx mode %q", opts.JSX), nil)
	}

	run := func(ctx context.Context, a Asset) (Asset, error) {
		if err := ctx.Err(); err != nil {
			return Asset{}, err
		}

		loader, ok := loaders[strings.ToLower(filepath.Ext(a.Path))]
		if !ok {
			loader = api.LoaderJS
		}

		code := a.Code
		if len(a.SourceMap) > 0 {
			// esbuild chains input maps given as an inline comment
			code = inlineSourceMap(code, a.SourceMap)
		}

		result := api.Transform(string(code), api.TransformOptions{
			Loader:            loader,
			Sourcefile:        filepath.ToSlash(a.Path),
			Format:            api.FormatCommonJS,
			Target:            target,
			JSX:               jsx,
			Sourcemap:         api.SourceMapExternal,
			SourcesContent:    api.SourcesContentInclude,
			MinifyWhitespace:  opts.Minify,
			MinifyIdentifiers: opts.Minify,
			MinifySyntax:      opts.Minify,
			LogLevel:          api.LogLevelSilent,
		})

		if len(result.Errors) > 0 {
			return Asset{}, compileError(a.Path, result.Errors)
		}

		for _, msg := range result.Warnings {
			a.Warnings = append(a.Warnings, formatMessage(msg))
		}

		a.Code = result.Code
		a.SourceMap = result.Map
		a.Kind = KindModule
		return a, nil
	}

	return Stage{Name: StageESBuild, Run: run}, nil
}

// compileError reports the first esbuild error, mentioning how many followed
func compileError(path string, msgs []api.Message) error {
	first := msgs[0]

	text := first.Text
	if len(msgs) > 1 {
		text = fmt.Sprintf("%s (and %d more errors)", text, len(msgs)-1)
	}

	if first.Location == nil {
		return builderr.Transform(path, 0, 0, text)
	}
	return builderr.Transform(path, first.Location.Line, first.Location.Column+1, text)
}

func formatMessage(msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%d:%d: %s", msg.Location.Line, msg.Location.Column+1, msg.Text)
}

func inlineSourceMap(code, sourceMap []byte) []byte {
	var b strings.Builder
	b.Grow(len(code) + base64.StdEncoding.EncodedLen(len(sourceMap)) + 64)
	b.Write(code)
	if len(code) > 0 && code[len(code)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("//# sourceMappingURL=data:application/json;base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(sourceMap))
	b.WriteByte('\n')
	return []byte(b.String())
}
