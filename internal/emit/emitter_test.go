package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/graph"
	"github.com/wolfeidau/assetpipe/internal/resolver"
	"github.com/wolfeidau/assetpipe/internal/transform"
)

func buildGraph(t *testing.T, fsys afero.Fs, entries map[string]string) *graph.Graph {
	t.Helper()

	reg := transform.Registry{}
	reg.Register(transform.Identity())
	reg.Register(transform.Script())
	reg.Register(transform.JSON())

	chain, err := transform.NewChain([]config.Rule{
		{Test: `\.min\.js$`, Use: transform.StageScript},
		{Test: `\.json$`, Use: transform.StageJSON},
	}, reg)
	require.NoError(t, err)

	var eps []graph.EntryPoint
	for name, spec := range entries {
		eps = append(eps, graph.EntryPoint{Name: name, Specifier: spec})
	}

	res := resolver.New(fsys, []string{".js", ".json"}, []string{"node_modules"})
	g, err := graph.NewBuilder(fsys, res, chain, graph.Options{}).Build(context.Background(), "/app", eps)
	require.NoError(t, err)
	return g
}

func writeFiles(t *testing.T, fsys afero.Fs, files map[string]string) {
	t.Helper()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
	}
}

func TestEmitRuntime(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/app/src/main.js":   `var b = require("./b"); var d = require("./data.json"); console.log(b, d);`,
		"/app/src/b.js":      "module.exports = 'b';\n",
		"/app/src/data.json": `{"k": 1}`,
	})

	g := buildGraph(t, fsys, map[string]string{"main": "./src/main"})
	e := New(fsys, Options{OutputDir: "/app/dist", Filename: "[name].js", Context: "/app"})

	b, err := e.Emit(g, "main")
	require.NoError(t, err)

	code := string(b.Code)
	assert.Equal(t, "main.js", b.FileName)
	assert.Equal(t, []string{"/app/src/main.js", "/app/src/b.js", "/app/src/data.json"}, b.Modules)
	assert.False(t, b.Cyclic)
	assert.True(t, strings.HasPrefix(code, "(function (modules) {"))
	assert.Contains(t, code, "/* 0: src/main.js */\n[function (module, exports, require) {\n")
	assert.Contains(t, code, `}, {"./b":1,"./data.json":2}],`)
	assert.Contains(t, code, "/* 2: src/data.json */\n[function (module, exports, require) {\nmodule.exports = {\"k\":1};\n}, {}]\n]);\n")
	assert.NotContains(t, code, "sourceMappingURL")
	assert.NotContains(t, code, "import cycles")
	require.Len(t, b.Files, 1)
}

func TestEmitDeterministic(t *testing.T) {
	files := map[string]string{
		"/app/a.js": `require("./c"); require("./b");`,
		"/app/b.js": `require("./c");`,
		"/app/c.js": `module.exports = 1;`,
	}

	render := func() *Bundle {
		fsys := afero.NewMemMapFs()
		writeFiles(t, fsys, files)
		g := buildGraph(t, fsys, map[string]string{"a": "./a"})
		b, err := New(fsys, Options{OutputDir: "/app/dist", Filename: "[name].[hash].js", SourceMap: true, Compress: []string{"gzip", "zstd"}}).Emit(g, "a")
		require.NoError(t, err)
		return b
	}

	first := render()
	for range 5 {
		again := render()
		assert.Equal(t, first.FileName, again.FileName)
		assert.Equal(t, first.Code, again.Code)
		assert.Equal(t, first.SourceMap, again.SourceMap)
		require.Len(t, again.Files, len(first.Files))
		for i := range first.Files {
			assert.Equal(t, first.Files[i], again.Files[i])
		}
	}

	assert.Equal(t, "a."+first.Hash+".js", first.FileName)
}

func TestEmitCyclicBundle(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/app/a.js": `exports.a = 1; require("./b");`,
		"/app/b.js": `var a = require("./a"); exports.b = a.a;`,
	})

	g := buildGraph(t, fsys, map[string]string{"main": "./a"})
	b, err := New(fsys, Options{}).Emit(g, "main")
	require.NoError(t, err)

	assert.True(t, b.Cyclic)
	code := string(b.Code)
	assert.True(t, strings.HasPrefix(code, cyclicMarker))
	assert.Contains(t, code, `}, {"./a":0}]`)
	assert.Equal(t, 1, strings.Count(code, "exports.a = 1;"))
}

func TestEmitScripts(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/app/vendor.min.js": `var $=function(){return "</script>"};`,
		"/app/main.js":       `require("./vendor.min");`,
	})
	g := buildGraph(t, fsys, map[string]string{"main": "./main", "vendor": "./vendor.min"})
	e := New(fsys, Options{Context: "/app"})

	t.Run("single script is concatenated", func(t *testing.T) {
		b, err := e.Emit(g, "vendor")
		require.NoError(t, err)
		assert.Equal(t, "var $=function(){return \"</script>\"};\n", string(b.Code))
	})

	t.Run("script inside runtime uses indirect eval", func(t *testing.T) {
		b, err := e.Emit(g, "main")
		require.NoError(t, err)
		code := string(b.Code)
		assert.Contains(t, code, "[function () {\n(0, eval)(")
		assert.Contains(t, code, `\n//# sourceURL=vendor.min.js");`)
		assert.Contains(t, code, `return \"\u003c/script\u003e\"`, "html significant characters are escaped")
	})
}

func TestEmitSourceMap(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/app/src/a.js": `require("./b");`,
		"/app/src/b.js": `module.exports = 1;`,
	})
	g := buildGraph(t, fsys, map[string]string{"main": "./src/a"})

	// attach maps the way a compile stage would
	a, _ := g.Module("/app/src/a.js")
	a.SourceMap = []byte(`{"version":3,"sources":["/app/src/a.ts"],"names":[],"mappings":"AAAA"}`)
	b, _ := g.Module("/app/src/b.js")
	b.SourceMap = []byte(`{"version":3,"sections":[{"offset":{"line":2,"column":0},"map":{"version":3,"sources":["/app/src/b.ts"],"mappings":"AAAA"}}]}`)

	bundle, err := New(fsys, Options{OutputDir: "/app/dist", SourceMap: true}).Emit(g, "main")
	require.NoError(t, err)

	code := string(bundle.Code)
	assert.True(t, strings.HasSuffix(code, "//# sourceMappingURL=main.js.map\n"))
	require.Len(t, bundle.Files, 2)
	assert.Equal(t, "main.js.map", bundle.Files[1].Name)

	var sm struct {
		Version  int    `json:"version"`
		File     string `json:"file"`
		Sections []struct {
			Offset struct {
				Line int `json:"line"`
			} `json:"offset"`
			Map struct {
				Sources []string `json:"sources"`
			} `json:"map"`
		} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(bundle.SourceMap, &sm))
	assert.Equal(t, 3, sm.Version)
	assert.Equal(t, "main.js", sm.File)
	require.Len(t, sm.Sections, 2)

	lines := strings.Split(code, "\n")
	assert.Equal(t, `require("./b");`, lines[sm.Sections[0].Offset.Line])
	assert.Equal(t, `module.exports = 1;`, lines[sm.Sections[1].Offset.Line-2])
	assert.Equal(t, []string{"../src/a.ts"}, sm.Sections[0].Map.Sources)
	assert.Equal(t, []string{"../src/b.ts"}, sm.Sections[1].Map.Sources)
}

func TestEmitCompressedSidecars(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{"/app/a.js": strings.Repeat("console.log(1);\n", 50)})
	g := buildGraph(t, fsys, map[string]string{"a": "./a"})

	b, err := New(fsys, Options{Compress: []string{"gzip", "zstd"}}).Emit(g, "a")
	require.NoError(t, err)
	require.Len(t, b.Files, 3)
	assert.Equal(t, "a.js.gz", b.Files[1].Name)
	assert.Equal(t, "a.js.zst", b.Files[2].Name)

	gr, err := gzip.NewReader(bytes.NewReader(b.Files[1].Data))
	require.NoError(t, err)
	unzipped, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Equal(t, b.Code, unzipped)

	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	unzstd, err := dec.DecodeAll(b.Files[2].Data, nil)
	require.NoError(t, err)
	assert.Equal(t, b.Code, unzstd)
}

func TestEmitAll(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFiles(t, fsys, map[string]string{
		"/app/a.js": ``,
		"/app/b.js": ``,
	})
	g := buildGraph(t, fsys, map[string]string{"b": "./b", "a": "./a"})

	bundles, err := New(fsys, Options{}).EmitAll(g)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, "a", bundles[0].Name)
	assert.Equal(t, "b", bundles[1].Name)

	_, err = New(fsys, Options{Filename: "bundle.js"}).EmitAll(g)
	require.ErrorIs(t, err, builderr.ErrBuild)
	assert.Contains(t, err.Error(), "same file name")

	_, err = New(fsys, Options{}).Emit(g, "nope")
	require.ErrorIs(t, err, builderr.ErrBuild)
}
