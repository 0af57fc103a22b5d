// Package render turns a named template and its variables into the HTML
// and plain-text bodies of an email.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path"
	"strings"
	texttemplate "text/template"

	"github.com/Masterminds/sprig/v3"

	"MailQueue/internal/models"
)

//go:embed templates/*.html templates/*.txt
var builtin embed.FS

var ErrUnknownTemplate = errors.New("unknown template")

type Rendered struct {
	HTML string
	Text string
}

type pair struct {
	html *htmltemplate.Template
	text *texttemplate.Template
}

// Renderer holds parsed templates. It is safe for concurrent use.
type Renderer struct {
	templates map[string]pair
}

// New loads the built-in templates and, when dir is set, the templates found
// there. A directory template replaces a built-in one of the same name.
func New(dir string) (*Renderer, error) {
	r := &Renderer{templates: make(map[string]pair)}

	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		return nil, err
	}
	if err := r.load(sub); err != nil {
		return nil, fmt.Errorf("load built-in templates: %w", err)
	}

	if dir != "" {
		if err := r.load(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("load templates from %s: %w", dir, err)
		}
	}

	return r, nil
}

func (r *Renderer) load(fsys fs.FS) error {
	htmlFiles, err := fs.Glob(fsys, "*.html")
	if err != nil {
		return err
	}

	for _, file := range htmlFiles {
		name := strings.TrimSuffix(path.Base(file), ".html")

		htmlRaw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return err
		}
		textRaw, err := fs.ReadFile(fsys, name+".txt")
		if err != nil {
			return fmt.Errorf("template %s has no plain-text part: %w", name, err)
		}

		h, err := htmltemplate.New(name).
			Funcs(sprig.HtmlFuncMap()).
			Option("missingkey=error").
			Parse(string(htmlRaw))
		if err != nil {
			return fmt.Errorf("parse %s.html: %w", name, err)
		}
		t, err := texttemplate.New(name).
			Funcs(sprig.TxtFuncMap()).
			Option("missingkey=error").
			Parse(string(textRaw))
		if err != nil {
			return fmt.Errorf("parse %s.txt: %w", name, err)
		}

		r.templates[name] = pair{html: h, text: t}
	}
	return nil
}

// Names lists the loaded templates.
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

// Render executes both parts of the template. Any failure, including a
// variable the template references but vars lacks, is a
// *models.TemplateRenderError.
func (r *Renderer) Render(name string, vars map[string]any) (*Rendered, error) {
	p, ok := r.templates[name]
	if !ok {
		return nil, &models.TemplateRenderError{Template: name, Err: ErrUnknownTemplate}
	}
	if vars == nil {
		vars = map[string]any{}
	}

	var html, text bytes.Buffer
	if err := p.html.Execute(&html, vars); err != nil {
		return nil, &models.TemplateRenderError{Template: name, Err: err}
	}
	if err := p.text.Execute(&text, vars); err != nil {
		return nil, &models.TemplateRenderError{Template: name, Err: err}
	}

	return &Rendered{HTML: html.String(), Text: text.String()}, nil
}
