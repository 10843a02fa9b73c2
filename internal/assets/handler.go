package assets

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"maps"
	"net/http"

	"github.com/rs/zerolog/log"
)

// ErrNotBuilt is returned when no build has been committed yet.
var ErrNotBuilt = errors.New("assets not built yet, call Build() first")

// LoadEntrypoint returns the public URLs of the scripts and stylesheets of
// the named entry from the last committed build.
func (p *Pipeline) LoadEntrypoint(name string) ([]string, []string, error) {
	m := p.Manifest()
	if m == nil {
		return nil, nil, ErrNotBuilt
	}

	ep, ok := m.Entrypoints[name]
	if !ok {
		return nil, nil, errors.New("entrypoint not found in manifest")
	}

	scripts := make([]string, 0, len(ep.Scripts))
	for _, out := range ep.Scripts {
		scripts = append(scripts, p.cfg.Output.PublicPath+out)
	}
	styles := make([]string, 0, len(ep.Styles))
	for _, out := range ep.Styles {
		styles = append(styles, p.cfg.Output.PublicPath+out)
	}
	return scripts, styles, nil
}

// ParseTemplate parses a page template with the helper functions pages
// rendered by Handler may use.
func ParseTemplate(name, text string, customFuncs template.FuncMap) (*template.Template, error) {
	funcs := template.FuncMap{
		"marshal": marshal,
		"safe": func(s string) template.HTML {
			return template.HTML(s) //nolint:gosec
		},
	}
	maps.Copy(funcs, customFuncs)

	return template.New(name).Funcs(funcs).Parse(text)
}

// Handler returns an http.HandlerFunc that renders the named template with
// the manifest of the last committed build.
func (p *Pipeline) Handler(tmpl *template.Template, name, title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := p.Manifest()
		if m == nil {
			http.Error(w, ErrNotBuilt.Error(), http.StatusServiceUnavailable)
			return
		}

		data := map[string]any{
			"Title":       title,
			"PublicPath":  p.cfg.Output.PublicPath,
			"Entrypoints": m.Entrypoints,
			"Files":       m.Files,
			"Manifest":    m,
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
			log.Error().Err(err).Msg("Failed to render template")
		}
	}
}

func marshal(value any) string {
	buf := new(bytes.Buffer)

	if err := json.NewEncoder(buf).Encode(value); err != nil {
		panic(errors.New("context can only be json serializable"))
	}

	return buf.String()
}
