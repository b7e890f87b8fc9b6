package emit

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
)

type indexSourceMap struct {
	Version  int            `json:"version"`
	File     string         `json:"file"`
	Sections []indexSection `json:"sections"`
}

type indexSection struct {
	Offset offset          `json:"offset"`
	Map    json.RawMessage `json:"map"`
}

type offset struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// indexMap combines module maps into one index source map. Nested index maps
// are flattened and absolute sources are rewritten relative to bundleDir.
func indexMap(file string, sections []section, bundleDir string) ([]byte, error) {
	out := indexSourceMap{Version: 3, File: file, Sections: []indexSection{}}

	for _, s := range sections {
		flat, err := flatten(s.sourceMap, offset{Line: s.line})
		if err != nil {
			return nil, err
		}
		for _, f := range flat {
			relocated, err := relocateSources(f.Map, bundleDir)
			if err != nil {
				return nil, err
			}
			f.Map = relocated
			out.Sections = append(out.Sections, f)
		}
	}

	return json.Marshal(out)
}

func flatten(raw []byte, at offset) ([]indexSection, error) {
	var probe struct {
		Sections []indexSection `json:"sections"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("invalid source map: %w", err)
	}

	if probe.Sections == nil {
		return []indexSection{{Offset: at, Map: raw}}, nil
	}

	var flat []indexSection
	for _, s := range probe.Sections {
		nested := offset{Line: at.Line + s.Offset.Line, Column: s.Offset.Column}
		if s.Offset.Line == 0 {
			nested.Column += at.Column
		}
		inner, err := flatten(s.Map, nested)
		if err != nil {
			return nil, err
		}
		flat = append(flat, inner...)
	}
	return flat, nil
}

func relocateSources(raw json.RawMessage, bundleDir string) (json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid source map: %w", err)
	}

	if _, ok := m["sourceRoot"]; ok || m["sources"] == nil {
		return raw, nil
	}

	var sources []string
	if err := json.Unmarshal(m["sources"], &sources); err != nil {
		return nil, fmt.Errorf("invalid source map sources: %w", err)
	}

	for i, s := range sources {
		if !filepath.IsAbs(s) || bundleDir == "" {
			continue
		}
		if rel, err := filepath.Rel(filepath.FromSlash(bundleDir), s); err == nil {
			sources[i] = path.Clean(filepath.ToSlash(rel))
		}
	}

	encoded, err := json.Marshal(sources)
	if err != nil {
		return nil, err
	}
	m["sources"] = encoded
	return json.Marshal(m)
}
