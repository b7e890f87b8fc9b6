package assets

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/cache"
	"github.com/wolfeidau/assetpipe/internal/config"
	"github.com/wolfeidau/assetpipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var project = map[string]string{
	"/app/src/main.ts": `import { add } from "./util";
import data from "./data.json";
import "./vendor/jquery.min.js";

export const total: number = add(data.n, 2);
`,
	"/app/src/util.ts": `export function add(a: number, b: number): number {
  return a + b;
}
`,
	"/app/src/data.json":            `{"n": 40}`,
	"/app/src/vendor/jquery.min.js": `window.$=function(){return 1};`,
	"/app/templates/page.html":      `{{define "page"}}<title>{{.Title}}</title>{{range .Scripts}}<script src="{{.}}"></script>{{end}}{{end}}`,
}

func newProject(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fsys, p, []byte(content), 0o644))
	}
	return fsys
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Context = "/app"
	cfg.Entry = map[string]string{"main": "./src/main"}
	cfg.Output.Path = "dist"
	cfg.Output.Filename = "[name].[hash:8].js"
	cfg.Output.Compress = []string{"gzip"}
	return cfg
}

func testMetrics(t *testing.T) (*telemetry.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func TestPipelineBuild(t *testing.T) {
	fsys := newProject(t, project)
	metrics, reader := testMetrics(t)

	p, err := New(testConfig(), fsys, WithMetrics(metrics))
	require.NoError(t, err)

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Bundles, 1)
	assert.NotEmpty(t, res.BuildID)

	b := res.Bundles[0]
	assert.Equal(t, []string{
		"/app/src/main.ts",
		"/app/src/util.ts",
		"/app/src/data.json",
		"/app/src/vendor/jquery.min.js",
	}, b.Modules)
	assert.Equal(t, 4, res.Graph.Stats.Transformed)

	vendor, ok := res.Graph.Module("/app/src/vendor/jquery.min.js")
	require.True(t, ok)
	assert.Equal(t, []string{"sourcemap", "script"}, vendor.Stages)

	main, ok := res.Graph.Module("/app/src/main.ts")
	require.True(t, ok)
	assert.Equal(t, []string{"sourcemap", "esbuild"}, main.Stages)

	code, err := afero.ReadFile(fsys, filepath.Join("/app/dist", b.FileName))
	require.NoError(t, err)
	assert.Equal(t, b.Code, code)
	assert.Contains(t, string(code), "(0, eval)(")
	assert.Contains(t, string(code), "//# sourceMappingURL=")

	for _, suffix := range []string{"", ".map", ".gz"} {
		exists, err := afero.Exists(fsys, filepath.Join("/app/dist", b.FileName+suffix))
		require.NoError(t, err)
		assert.True(t, exists, suffix)
	}

	assert.Equal(t, "/app/dist/manifest.json", res.Written[len(res.Written)-1])
	assert.Equal(t, b.FileName, res.Manifest.Entries["main"])
	assert.Equal(t, "src/main.ts", res.Manifest.Outputs[b.FileName].EntryPoint)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["assetpipe.bundles.emitted.total"])
	assert.True(t, found["assetpipe.build.duration"])
}

func TestPipelineRebuildIsByteIdentical(t *testing.T) {
	fsys := newProject(t, project)
	metrics, _ := testMetrics(t)

	p, err := New(testConfig(), fsys, WithMetrics(metrics))
	require.NoError(t, err)

	first, err := p.Build(context.Background())
	require.NoError(t, err)
	second, err := p.Build(context.Background())
	require.NoError(t, err)

	require.Len(t, second.Bundles, 1)
	assert.Equal(t, first.Bundles[0].FileName, second.Bundles[0].FileName)
	assert.Equal(t, first.Bundles[0].Code, second.Bundles[0].Code)
	assert.Equal(t, first.Bundles[0].SourceMap, second.Bundles[0].SourceMap)
	assert.NotEqual(t, first.BuildID, second.BuildID)
}

func TestPipelineCacheAcrossBuilds(t *testing.T) {
	fsys := newProject(t, project)
	metrics, _ := testMetrics(t)
	c, err := cache.New(0)
	require.NoError(t, err)

	p, err := New(testConfig(), fsys, WithMetrics(metrics), WithCache(c))
	require.NoError(t, err)

	_, err = p.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, afero.WriteFile(fsys, "/app/src/util.ts", []byte("export const add = (a: number, b: number) => a - b;\n"), 0o644))

	res, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Graph.Stats.Transformed)
	assert.Equal(t, 3, res.Graph.Stats.CacheHits)
	assert.Contains(t, string(res.Bundles[0].Code), "a - b")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	fsys := newProject(t, project)

	tests := []struct {
		name   string
		modify func(*config.Config)
		want   string
	}{
		{
			name:   "entry does not resolve",
			modify: func(c *config.Config) { c.Entry["admin"] = "./src/admin" },
			want:   "entry admin does not resolve",
		},
		{
			name:   "unknown stage",
			modify: func(c *config.Config) { c.Rules = append(c.Rules, config.Rule{Test: `\.css$`, Use: "postcss"}) },
			want:   `unknown stage "postcss"`,
		},
		{
			name:   "bad compile target",
			modify: func(c *config.Config) { c.Compile.Target = "es1" },
			want:   "es1",
		},
		{
			name:   "no entries",
			modify: func(c *config.Config) { c.Entry = nil },
			want:   "at least one entry is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)

			_, err := New(cfg, fsys)
			require.ErrorIs(t, err, builderr.ErrConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPipelineFailedBuildWritesNothing(t *testing.T) {
	files := map[string]string{
		"/app/src/main.ts":  `import "./broken";`,
		"/app/src/broken.ts": "export const x = ;\n",
	}
	fsys := newProject(t, files)
	metrics, _ := testMetrics(t)

	p, err := New(testConfig(), fsys, WithMetrics(metrics))
	require.NoError(t, err)

	_, err = p.Build(context.Background())
	require.ErrorIs(t, err, builderr.ErrTransform)
	assert.Equal(t, []string{"/app/src/main.ts", "/app/src/broken.ts"}, builderr.TrailOf(err))

	exists, err := afero.DirExists(fsys, "/app/dist")
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok := p.Last()
	assert.False(t, ok)
}

// counterByKind sums an int64 counter, grouped by its "kind" attribute
func counterByKind(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, name)
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("kind"))
				counts[kind.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestPipelineErrorMetrics(t *testing.T) {
	tests := []struct {
		name       string
		util       string
		kind       string
		transforms int64
	}{
		{name: "missing import", util: `import "./missing"; export const add = 1;`, kind: "NotFound"},
		{name: "compile error", util: "export const add = ;\n", kind: "TransformError", transforms: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newProject(t, project)
			require.NoError(t, afero.WriteFile(fsys, "/app/src/util.ts", []byte(tt.util), 0o644))
			metrics, reader := testMetrics(t)

			p, err := New(testConfig(), fsys, WithMetrics(metrics))
			require.NoError(t, err)

			_, err = p.Build(context.Background())
			require.Error(t, err)

			assert.Equal(t, map[string]int64{tt.kind: 1}, counterByKind(t, reader, "assetpipe.builds.total"))
			assert.Equal(t, tt.transforms, counterByKind(t, reader, "assetpipe.transform.errors.total")[""])
		})
	}
}

func TestPipelineConcurrentBuilds(t *testing.T) {
	fsys := newProject(t, project)
	metrics, _ := testMetrics(t)

	p, err := New(testConfig(), fsys, WithMetrics(metrics))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Build(context.Background())
		}()
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Bundles[0].Code, results[i].Bundles[0].Code)
	}
}

func TestPipelineHandler(t *testing.T) {
	fsys := newProject(t, project)
	metrics, _ := testMetrics(t)

	p, err := New(testConfig(), fsys,
		WithMetrics(metrics),
		WithPublicPath("/static/bundles"),
		WithTemplateDir("/app/templates", nil),
	)
	require.NoError(t, err)

	_, _, err = p.LoadScripts("main")
	require.Error(t, err, "nothing is built yet")

	res, err := p.Build(context.Background())
	require.NoError(t, err)

	scripts, entry, err := p.LoadScripts("src/main.ts")
	require.NoError(t, err)
	assert.Equal(t, "/static/bundles/"+res.Bundles[0].FileName, entry)
	assert.Equal(t, []string{entry}, scripts)

	h, err := p.Handler("page", "Home", "main", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `<title>Home</title><script src="`+entry+`"></script>`, strings.TrimSpace(string(body)))

	_, err = p.Handler("missing", "Home", "main", nil)
	require.Error(t, err)
}

func TestPipelineResolve(t *testing.T) {
	p, err := New(testConfig(), newProject(t, project))
	require.NoError(t, err)

	path, err := p.Resolve("./util", "/app/src")
	require.NoError(t, err)
	assert.Equal(t, "/app/src/util.ts", path)

	_, err = p.Resolve("./nope", "/app/src")
	require.ErrorIs(t, err, builderr.ErrNotFound)
}

func TestPipelineGraph(t *testing.T) {
	fsys := newProject(t, project)
	p, err := New(testConfig(), fsys)
	require.NoError(t, err)

	g, err := p.Graph(context.Background())
	require.NoError(t, err)
	assert.Len(t, g.Modules, 4)

	exists, err := afero.DirExists(fsys, "/app/dist")
	require.NoError(t, err)
	assert.False(t, exists)
}
