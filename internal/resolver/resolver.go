// Package resolver maps import specifiers to files on a backing filesystem.
package resolver

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
)

// Resolver resolves specifiers against an afero filesystem. It holds no state
// beyond its configuration, results are a pure function of the filesystem.
type Resolver struct {
	fs         afero.Fs
	extensions []string
	modules    []string
}

// New creates a resolver trying extensions in the given order and searching
// moduleDirs (e.g. "node_modules") for bare specifiers.
func New(fs afero.Fs, extensions, moduleDirs []string) *Resolver {
	return &Resolver{
		fs:         fs,
		extensions: extensions,
		modules:    moduleDirs,
	}
}

// Resolve returns the absolute path specifier refers to when imported from fromDir.
func (r *Resolver) Resolve(specifier, fromDir string) (string, error) {
	var tried []string

	for _, base := range r.bases(specifier, fromDir) {
		if path, ok := r.resolveBase(base, &tried, 0); ok {
			return path, nil
		}
	}

	return "", builderr.NotFound(fromDir, specifier, tried)
}

// bases lists the base paths to probe, in priority order
func (r *Resolver) bases(specifier, fromDir string) []string {
	if isRelative(specifier) {
		return []string{filepath.Join(fromDir, filepath.FromSlash(specifier))}
	}
	if filepath.IsAbs(specifier) {
		return []string{filepath.Clean(specifier)}
	}

	var bases []string
	dir := filepath.Clean(fromDir)
	for {
		for _, m := range r.modules {
			bases = append(bases, filepath.Join(dir, m, filepath.FromSlash(specifier)))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return bases
}

// resolveBase probes base verbatim, with each extension, via package.json main and
// finally as a directory index. depth guards against package.json main loops.
func (r *Resolver) resolveBase(base string, tried *[]string, depth int) (string, bool) {
	if path, ok := r.tryFile(base, tried); ok {
		return path, true
	}

	for _, ext := range r.extensions {
		if path, ok := r.tryFile(base+ext, tried); ok {
			return path, true
		}
	}

	if !r.isDir(base) {
		return "", false
	}

	if depth == 0 {
		if main := r.packageMain(base); main != "" {
			if path, ok := r.resolveBase(filepath.Join(base, filepath.FromSlash(main)), tried, depth+1); ok {
				return path, true
			}
		}
	}

	index := filepath.Join(base, "index")
	for _, ext := range r.extensions {
		if path, ok := r.tryFile(index+ext, tried); ok {
			return path, true
		}
	}

	return "", false
}

func (r *Resolver) tryFile(path string, tried *[]string) (string, bool) {
	*tried = append(*tried, path)

	info, err := r.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

func (r *Resolver) isDir(path string) bool {
	info, err := r.fs.Stat(path)
	return err == nil && info.IsDir()
}

// packageMain returns the "main" field of dir/package.json, if any
func (r *Resolver) packageMain(dir string) string {
	data, err := afero.ReadFile(r.fs, filepath.Join(dir, "package.json"))
	if err != nil {
		return ""
	}

	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}
	return pkg.Main
}

func isRelative(specifier string) bool {
	return specifier == "." || specifier == ".." ||
		strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") ||
		(os.PathSeparator == '\\' && (strings.HasPrefix(specifier, ".\\") || strings.HasPrefix(specifier, "..\\")))
}
