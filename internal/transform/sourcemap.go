package transform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// matches "//# sourceMappingURL=..." and "/*# sourceMappingURL=... */" anywhere in the file
var sourceMappingURL = regexp.MustCompile(`(?m)(?://[#@]|/\*[#@])[ \t]*sourceMappingURL=([^\s'"*]+)[ \t]*(?:\*/)?[ \t]*\r?$`)

// SourceMap loads source maps produced by earlier tools. It follows the trailing
// sourceMappingURL comment (inline data URL or sidecar file), fills in missing
// sourcesContent and strips the comment. Failures to load a map are warnings.
func SourceMap(fs afero.Fs) Stage {
	return Stage{
		Name: StageSourceMap,
		Run: func(ctx context.Context, a Asset) (Asset, error) {
			matches := sourceMappingURL.FindAllSubmatchIndex(a.Code, -1)
			if len(matches) == 0 {
				return a, nil
			}
			last := matches[len(matches)-1]
			ref := string(a.Code[last[2]:last[3]])

			raw, mapDir, mapPath, err := loadSourceMap(fs, a.Path, ref)
			if mapPath != "" {
				a.AddInput(mapPath, raw)
			}
			if err != nil {
				a.Warnings = append(a.Warnings, fmt.Sprintf("failed to load source map %s: %v", ref, err))
				return a, nil
			}

			sm, warnings, err := completeSourceMap(fs, &a, raw, mapDir)
			if err != nil {
				a.Warnings = append(a.Warnings, fmt.Sprintf("invalid source map %s: %v", ref, err))
				return a, nil
			}
			a.Warnings = append(a.Warnings, warnings...)

			code := make([]byte, 0, len(a.Code))
			code = append(code, a.Code[:last[0]]...)
			code = append(code, a.Code[last[1]:]...)

			a.Code = code
			a.SourceMap = sm
			return a, nil
		},
	}
}

// loadSourceMap returns the raw map, the directory its relative sources are
// based on and, for sidecar maps, the path of the map file
func loadSourceMap(fs afero.Fs, path, ref string) ([]byte, string, string, error) {
	dir := filepath.Dir(path)

	if strings.HasPrefix(ref, "data:") {
		data, err := decodeDataURL(ref)
		return data, dir, "", err
	}

	rel, err := url.PathUnescape(ref)
	if err != nil {
		return nil, "", "", err
	}

	mapPath := filepath.Join(dir, filepath.FromSlash(rel))
	data, err := afero.ReadFile(fs, mapPath)
	if err != nil {
		return nil, "", mapPath, err
	}
	return data, filepath.Dir(mapPath), mapPath, nil
}

func decodeDataURL(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL")
	}

	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}

	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// completeSourceMap validates a v3 map and loads missing sourcesContent entries
// from disk, recording every original source read as an input of a.
func completeSourceMap(fs afero.Fs, a *Asset, raw []byte, mapDir string) ([]byte, []string, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}

	if v, _ := doc["version"].(float64); v != 3 {
		return nil, nil, fmt.Errorf("unsupported version %v", doc["version"])
	}
	if _, ok := doc["mappings"].(string); !ok {
		if _, ok := doc["sections"]; !ok {
			return nil, nil, fmt.Errorf("missing mappings")
		}
	}

	sources, _ := doc["sources"].([]any)
	contents, _ := doc["sourcesContent"].([]any)
	if len(sources) == 0 || len(contents) == len(sources) {
		return raw, nil, nil
	}

	root, _ := doc["sourceRoot"].(string)

	var warnings []string
	filled := make([]any, len(sources))
	for i, s := range sources {
		if i < len(contents) && contents[i] != nil {
			filled[i] = contents[i]
			continue
		}

		name, _ := s.(string)
		path := filepath.FromSlash(strings.TrimPrefix(name, "file://"))
		if !filepath.IsAbs(path) {
			path = filepath.Join(mapDir, filepath.FromSlash(root), path)
		}

		data, err := afero.ReadFile(fs, path)
		a.AddInput(path, data)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to read original source %s: %v", name, err))
			continue
		}
		filled[i] = string(data)
	}
	doc["sourcesContent"] = filled

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, err
	}
	return out, warnings, nil
}
