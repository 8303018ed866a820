package templates

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// restrictedFuncs are sprig helpers that reach the process environment or the
// filesystem outside the sandbox.
var restrictedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles report templates with the sprig function set.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template. It is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer binds a renderer to sandbox. A nil sandbox disables CompileFile.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range restrictedFuncs {
		delete(funcs, name)
	}
	funcs["tierLabel"] = tierLabel
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Sandbox returns the renderer's sandbox, which may be nil.
func (r *Renderer) Sandbox() *Sandbox { return r.sandbox }

// CompileInline parses source. Blank sources yield a nil template and no error.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads path through the sandbox and compiles it.
func (r *Renderer) CompileFile(path string) (*Template, error) {
	if r == nil || r.sandbox == nil {
		return nil, errors.New("templates: file templates require a templates folder")
	}
	resolved, contents, err := r.sandbox.ReadTemplate(path)
	if err != nil {
		return nil, err
	}
	tmpl, err := r.CompileInline(filepath.Base(resolved), string(contents))
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("templates: %q is empty", path)
	}
	return tmpl, nil
}

// Render executes the template into a string.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Execute writes the template output to w.
func (t *Template) Execute(w io.Writer, data any) error {
	if t == nil {
		return errors.New("templates: nil template")
	}
	if err := t.tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

func tierLabel(name string) string {
	switch name {
	case "fullyViable":
		return "fully viable"
	case "partiallyViable":
		return "partially viable"
	default:
		return name
	}
}
