// Package templates renders the text of outgoing notices: subscription
// confirmations, help, approval notices and the digest masthead.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/TommyLike/mailman/logger"
)

//go:embed text/*.txt
var builtin embed.FS

const (
	Verify   = "verify"
	Approve  = "approve"
	Help     = "help"
	Masthead = "masthead"
	Held     = "held"
)

// Renderer produces text from a named template and its variables.
type Renderer interface {
	Render(name string, vars map[string]any) (string, error)
}

// Engine renders the built-in templates, preferring a same-named file in
// an override directory when one is configured.
type Engine struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// New returns an Engine. An empty dir uses only the built-in templates.
func New(dir string) *Engine {
	return &Engine{dir: dir, cache: make(map[string]*template.Template)}
}

func (e *Engine) Render(name string, vars map[string]any) (string, error) {
	tmpl, err := e.lookup(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func (e *Engine) lookup(name string) (*template.Template, error) {
	e.mu.RLock()
	tmpl, ok := e.cache[name]
	e.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	src, err := e.source(name)
	if err != nil {
		return nil, err
	}
	tmpl, err = template.New(name).Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	e.mu.Lock()
	e.cache[name] = tmpl
	e.mu.Unlock()
	return tmpl, nil
}

func (e *Engine) source(name string) ([]byte, error) {
	file := name + ".txt"
	if e.dir != "" {
		data, err := os.ReadFile(filepath.Join(e.dir, file))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			logger.Warn("Templates: cannot read override, using built-in", "template", name, "error", err)
		}
	}
	data, err := builtin.ReadFile("text/" + file)
	if err != nil {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	return data, nil
}
