package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"maps"
	"net/http"
	"path"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/wolfeidau/assetpipe/internal/builderr"
)

// LoadScripts returns the script URLs a page needs for the given entry, which
// may be named by bundle name or by entry point path relative to the context,
// and the URL of the entry bundle itself.
func (p *Pipeline) LoadScripts(entry string) ([]string, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.last == nil {
		return nil, "", errors.New("assets not built yet, call Build() first")
	}

	fileName, ok := p.last.Manifest.Entries[entry]
	if !ok {
		for name, out := range p.last.Manifest.Outputs {
			if out.EntryPoint == entry {
				fileName, ok = name, true
				break
			}
		}
	}
	if !ok {
		return nil, "", fmt.Errorf("entrypoint %q not found in manifest", entry)
	}

	// bundles are self-contained, a page needs exactly one script per entry
	url := path.Join(p.publicPath, fileName)
	if p.publicPath == "" || p.publicPath[0] != '/' {
		url = p.publicPath + fileName
	}
	return []string{url}, url, nil
}

// Handler returns an http.HandlerFunc that renders the given template with the
// scripts of entry
func (p *Pipeline) Handler(templateName, title, entry string, contextFn func(ctx context.Context) any) (http.HandlerFunc, error) {
	if p.tmpl == nil {
		return nil, errors.New("templates not loaded, use WithTemplateDir")
	}
	if p.tmpl.Lookup(templateName) == nil {
		return nil, fmt.Errorf("template %q not found", templateName)
	}

	if contextFn == nil {
		contextFn = func(ctx context.Context) any {
			return nil
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		scripts, _, err := p.LoadScripts(entry)
		if err != nil {
			log.Error().Err(err).Str("entry", entry).Msg("Failed to load scripts")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		data := map[string]any{
			"Title":   title,
			"Scripts": scripts,
			"Context": contextFn(r.Context()),
		}

		if err := p.tmpl.ExecuteTemplate(w, templateName, data); err != nil {
			log.Error().Err(err).Str("template", templateName).Msg("Failed to render template")
		}
	}, nil
}

func (p *Pipeline) loadTemplates(dir string, customFuncs template.FuncMap) error {
	funcs := template.FuncMap{
		"marshal": marshal,
		"safe": func(s string) template.HTML {
			return template.HTML(s) //nolint:gosec
		},
	}
	maps.Copy(funcs, customFuncs)

	fsys := afero.NewIOFS(afero.NewBasePathFs(p.fs, dir))
	tmpl, err := template.New(dir).Funcs(funcs).ParseFS(fsys, "*.html")
	if err != nil {
		return builderr.Config("failed to load templates from "+dir, err)
	}

	p.tmpl = tmpl
	return nil
}

func marshal(value any) string {
	buf := new(bytes.Buffer)

	if err := json.NewEncoder(buf).Encode(value); err != nil {
		panic(errors.New("context can only be json serializable"))
	}

	return buf.String()
}
