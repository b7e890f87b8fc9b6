package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
)

func TestESBuildCompilesTypeScript(t *testing.T) {
	stage, err := ESBuild(config.Compile{Target: "es2017"})
	require.NoError(t, err)

	src := `import { b } from "./b";
export const a: number = b + 1;
`
	out, err := stage.Run(context.Background(), Asset{Path: "/src/a.ts", Code: []byte(src)})
	require.NoError(t, err)

	code := string(out.Code)
	assert.Contains(t, code, `require("./b")`)
	assert.NotContains(t, code, ": number")
	assert.Equal(t, KindModule, out.Kind)

	var sm map[string]any
	require.NoError(t, json.Unmarshal(out.SourceMap, &sm))
	assert.Equal(t, float64(3), sm["version"])
	assert.Equal(t, []any{"/src/a.ts"}, sm["sources"])
}

func TestESBuildReportsPosition(t *testing.T) {
	stage, err := ESBuild(config.Compile{})
	require.NoError(t, err)

	src := "const ok = 1;\nconst broken = ;\n"
	_, err = stage.Run(context.Background(), Asset{Path: "/src/broken.ts", Code: []byte(src)})
	require.ErrorIs(t, err, builderr.ErrTransform)

	var perr *builderr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "/src/broken.ts", perr.Path)
	assert.Equal(t, 2, perr.Line)
	assert.Positive(t, perr.Column)
	assert.NotEmpty(t, perr.Msg)
}

func TestESBuildOptions(t *testing.T) {
	_, err := ESBuild(config.Compile{Target: "es3"})
	require.ErrorIs(t, err, builderr.ErrConfig)

	_, err = ESBuild(config.Compile{JSX: "preserve-everything"})
	require.ErrorIs(t, err, builderr.ErrConfig)
}

func TestJSONStage(t *testing.T) {
	stage := JSON()

	out, err := stage.Run(context.Background(), Asset{Path: "/data.json", Code: []byte("{\n  \"a\": [1, 2]\n}\n")})
	require.NoError(t, err)
	assert.Equal(t, "module.exports = {\"a\":[1,2]};\n", string(out.Code))

	_, err = stage.Run(context.Background(), Asset{Path: "/bad.json", Code: []byte("{\n  \"a\": ]\n}")})
	require.ErrorIs(t, err, builderr.ErrTransform)

	var perr *builderr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
}

func TestSourceMapStage(t *testing.T) {
	mapJSON := `{"version":3,"sources":["a.ts"],"names":[],"mappings":"AAAA"}`

	t.Run("sidecar file with missing sources content", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "/lib/a.js.map", []byte(mapJSON), 0o644))
		require.NoError(t, afero.WriteFile(fsys, "/lib/a.ts", []byte("export const a = 1"), 0o644))

		code := "exports.a = 1;\n//# sourceMappingURL=a.js.map\n"
		out, err := SourceMap(fsys).Run(context.Background(), Asset{Path: "/lib/a.js", Code: []byte(code)})
		require.NoError(t, err)

		assert.Equal(t, "exports.a = 1;\n\n", string(out.Code))
		assert.Empty(t, out.Warnings)

		var sm map[string]any
		require.NoError(t, json.Unmarshal(out.SourceMap, &sm))
		assert.Equal(t, []any{"export const a = 1"}, sm["sourcesContent"])
	})

	t.Run("inline data url", func(t *testing.T) {
		withContent := `{"version":3,"sources":["a.ts"],"sourcesContent":["x"],"mappings":"AAAA"}`
		code := "exports.a = 1;\n//# sourceMappingURL=data:application/json;charset=utf-8;base64," +
			base64.StdEncoding.EncodeToString([]byte(withContent))

		out, err := SourceMap(afero.NewMemMapFs()).Run(context.Background(), Asset{Path: "/lib/a.js", Code: []byte(code)})
		require.NoError(t, err)
		assert.Equal(t, "exports.a = 1;\n", string(out.Code))
		assert.JSONEq(t, withContent, string(out.SourceMap))
	})

	t.Run("block comment", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "/lib/maps/a.map", []byte(mapJSON), 0o644))
		require.NoError(t, afero.WriteFile(fsys, "/lib/maps/a.ts", []byte("src"), 0o644))

		code := "a();\n/*# sourceMappingURL=maps/a.map */"
		out, err := SourceMap(fsys).Run(context.Background(), Asset{Path: "/lib/a.js", Code: []byte(code)})
		require.NoError(t, err)
		assert.Equal(t, "a();\n", string(out.Code))
		assert.NotEmpty(t, out.SourceMap)
	})

	t.Run("missing map is a warning", func(t *testing.T) {
		code := "a();\n//# sourceMappingURL=gone.js.map\n"
		out, err := SourceMap(afero.NewMemMapFs()).Run(context.Background(), Asset{Path: "/lib/a.js", Code: []byte(code)})
		require.NoError(t, err)
		assert.Equal(t, code, string(out.Code))
		assert.Nil(t, out.SourceMap)
		require.Len(t, out.Warnings, 1)
		assert.Contains(t, out.Warnings[0], "gone.js.map")
	})

	t.Run("no comment", func(t *testing.T) {
		out, err := SourceMap(afero.NewMemMapFs()).Run(context.Background(), Asset{Path: "/lib/a.js", Code: []byte("a();")})
		require.NoError(t, err)
		assert.Equal(t, "a();", string(out.Code))
		assert.Empty(t, out.Warnings)
	})
}

func TestScriptStage(t *testing.T) {
	out, err := Script().Run(context.Background(), Asset{Path: "/v/jquery.min.js", Code: []byte("var $=1")})
	require.NoError(t, err)
	assert.Equal(t, KindScript, out.Kind)
	assert.Equal(t, "var $=1", string(out.Code))
}
