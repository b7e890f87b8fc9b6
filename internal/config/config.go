package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/assetpipe/internal/builderr"
)

// Config is the immutable input of a build. It mirrors the shape of a bundler
// configuration: entries, module rules, resolve settings and output location.
type Config struct {
	// Base directory entries and relative paths are resolved against
	Context string `yaml:"context"`
	// Bundle name -> entry specifier
	Entry map[string]string `yaml:"entry"`
	// Optional JSON document with more entries (e.g. "webpack.assets.json")
	EntryFile string `yaml:"entryFile"`

	Resolve Resolve `yaml:"resolve"`
	Rules   []Rule  `yaml:"rules"`
	Output  Output  `yaml:"output"`
	Compile Compile `yaml:"compile"`
	Build   Build   `yaml:"build"`
}

type Resolve struct {
	// Extensions tried in order when a specifier has no exact match
	Extensions []string `yaml:"extensions"`
	// Directory names searched for bare specifiers, walking up from the importer
	Modules []string `yaml:"modules"`
}

// Rule binds a filename pattern to a transform stage.
type Rule struct {
	Test    string `yaml:"test"`
	Exclude string `yaml:"exclude"`
	// "pre", "post" or empty for the normal phase
	Enforce string `yaml:"enforce"`
	Use     string `yaml:"use"`
}

type Output struct {
	// Output directory for built files
	Path string `yaml:"path"`
	// File name pattern, supports [name], [hash] and [hash:N]
	Filename string `yaml:"filename"`
	// Whether to write index source maps next to the bundles
	SourceMap bool `yaml:"sourceMap"`
	// Compressed sidecars to write: "gzip", "zstd"
	Compress []string `yaml:"compress"`
	// Manifest file name (relative to Path), empty disables it
	Manifest string `yaml:"manifest"`
}

type Compile struct {
	// esbuild target, e.g. "es2017" or "esnext"
	Target string `yaml:"target"`
	// "automatic" or "transform"
	JSX string `yaml:"jsx"`
	// Whether to minify compiled modules
	Minify bool `yaml:"minify"`
}

type Build struct {
	// Fail the build when the import graph contains a cycle
	Strict bool `yaml:"strict"`
	// Maximum number of files loaded concurrently, zero means GOMAXPROCS
	Concurrency int `yaml:"concurrency"`
	// Upper bound for reading and transforming a single file
	FileTimeout time.Duration `yaml:"fileTimeout"`
	// Upper bound for a whole build, zero disables it
	Timeout time.Duration `yaml:"timeout"`
}

var (
	compressions = []string{"gzip", "zstd"}
	phases       = []string{"", "pre", "normal", "post"}
)

// Default returns the configuration of a typical TypeScript web project
func Default() Config {
	return Config{
		Context: ".",
		Entry:   map[string]string{},
		Resolve: Resolve{
			Extensions: []string{".tsx", ".ts", ".js", ".json"},
			Modules:    []string{"node_modules"},
		},
		Rules: DefaultRules(),
		Output: Output{
			Path:      "static/bundles",
			Filename:  "[name].js",
			SourceMap: true,
			Manifest:  "manifest.json",
		},
		Compile: Compile{
			Target: "es2017",
			JSX:    "automatic",
		},
		Build: Build{
			FileTimeout: 30 * time.Second,
		},
	}
}

// DefaultRules compiles TypeScript and modern JavaScript, chains existing source maps
// and leaves pre-minified scripts alone.
func DefaultRules() []Rule {
	return []Rule{
		{Test: `\.tsx?$`, Use: "esbuild"},
		{Test: `\.js$`, Enforce: "pre", Use: "sourcemap"},
		{Test: `\.tsx?$`, Enforce: "pre", Use: "sourcemap"},
		{Test: `(min)\.js`, Use: "script"},
		{Test: `\.m?jsx?$`, Use: "esbuild"},
		{Test: `\.json$`, Use: "json"},
	}
}

// Validate checks the structure of the configuration. Checks that need the
// filesystem or the stage registry happen when the pipeline is created.
func (c Config) Validate() error {
	var errs []error

	if len(c.Entry) == 0 {
		errs = append(errs, errors.New("at least one entry is required"))
	}
	for name, spec := range c.Entry {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("entry name must not be empty"))
		}
		if strings.TrimSpace(spec) == "" {
			errs = append(errs, fmt.Errorf("entry %q has no specifier", name))
		}
	}

	for _, ext := range c.Resolve.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Errorf("resolve extension %q must start with a dot", ext))
		}
	}

	for i, r := range c.Rules {
		if r.Test == "" {
			errs = append(errs, fmt.Errorf("rule %d: test pattern is required", i))
		} else if _, err := regexp.Compile(r.Test); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: invalid test pattern: %w", i, err))
		}
		if r.Exclude != "" {
			if _, err := regexp.Compile(r.Exclude); err != nil {
				errs = append(errs, fmt.Errorf("rule %d: invalid exclude pattern: %w", i, err))
			}
		}
		if !slices.Contains(phases, r.Enforce) {
			errs = append(errs, fmt.Errorf("rule %d: unknown enforce value %q", i, r.Enforce))
		}
		if r.Use == "" {
			errs = append(errs, fmt.Errorf("rule %d: stage name is required", i))
		}
	}

	if c.Output.Path == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if c.Output.Filename == "" {
		errs = append(errs, errors.New("output filename pattern is required"))
	} else if len(c.Entry) > 1 && !strings.Contains(c.Output.Filename, "[name]") {
		errs = append(errs, fmt.Errorf("output filename %q must contain [name] when building several entries", c.Output.Filename))
	}
	for _, alg := range c.Output.Compress {
		if !slices.Contains(compressions, alg) {
			errs = append(errs, fmt.Errorf("unknown compression %q", alg))
		}
	}

	if c.Build.Concurrency < 0 {
		errs = append(errs, errors.New("build concurrency must not be negative"))
	}
	if c.Build.FileTimeout < 0 || c.Build.Timeout < 0 {
		errs = append(errs, errors.New("build timeouts must not be negative"))
	}

	if len(errs) > 0 {
		return builderr.Config("invalid configuration", errors.Join(errs...))
	}
	return nil
}

// EntryNames returns the entry names in sorted order
func (c Config) EntryNames() []string {
	names := make([]string, 0, len(c.Entry))
	for name := range c.Entry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
