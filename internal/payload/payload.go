// Package payload renders the delivery body for an action from a named
// template. A missing template is the one failure the delivery pipeline
// treats as fatal: there is nothing to retry when the payload itself cannot
// be built.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/relaypoint/relaypoint/internal/logging"
)

// ErrTemplateNotFound marks a render request for an unknown action
var ErrTemplateNotFound = errors.New("payload template not found")

// templateExt is the suffix a payload template file must carry; the action
// identifier is the file name with the suffix stripped.
const templateExt = ".json.tmpl"

// Renderer produces a JSON-serializable payload for an action from the
// delivery's context data.
type Renderer interface {
	Render(action string, context map[string]any) (any, error)
}

// TemplateRenderer renders payloads from text templates discovered in a
// directory at construction time.
type TemplateRenderer struct {
	templates map[string]*template.Template
}

// NewTemplateRenderer discovers and parses every *.json.tmpl file in dir.
// Files that fail to parse are skipped with a warning so one bad template
// cannot take down the worker.
func NewTemplateRenderer(dir string) (*TemplateRenderer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read template dir %q: %w", dir, err)
	}

	log := logging.New("relaypoint-payload")
	templates := make(map[string]*template.Template)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), templateExt) {
			continue
		}
		action := strings.TrimSuffix(entry.Name(), templateExt)
		tmpl, err := template.ParseFiles(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Plain().WithAction(action).WithError(err).Warn("skipping unparsable payload template")
			continue
		}
		templates[action] = tmpl
	}

	log.Plain().WithField("templates", len(templates)).WithField("dir", dir).Info("payload templates loaded")
	return &TemplateRenderer{templates: templates}, nil
}

// Render executes the action's template with the context and decodes the
// output as JSON.
func (r *TemplateRenderer) Render(action string, context map[string]any) (any, error) {
	tmpl, ok := r.templates[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, action)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return nil, fmt.Errorf("execute template for action %q: %w", action, err)
	}

	var out any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("template for action %q produced invalid JSON: %w", action, err)
	}
	return out, nil
}

// ContextRenderer passes the delivery context through as the payload. Used
// when no template directory is configured.
type ContextRenderer struct{}

func (ContextRenderer) Render(action string, context map[string]any) (any, error) {
	out := map[string]any{"action": action}
	for k, v := range context {
		out[k] = v
	}
	return out, nil
}
