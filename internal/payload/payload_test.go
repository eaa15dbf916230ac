package payload

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
}

func TestTemplateRendererRender(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "user.created.json.tmpl",
		`{"event": "user.created", "user_id": "{{.user_id}}", "plan": "{{.plan}}"}`)

	r, err := NewTemplateRenderer(dir)
	if err != nil {
		t.Fatalf("NewTemplateRenderer() error = %v", err)
	}

	got, err := r.Render("user.created", map[string]any{"user_id": "u-42", "plan": "pro"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := map[string]any{"event": "user.created", "user_id": "u-42", "plan": "pro"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Render() = %v, want %v", got, want)
	}
}

func TestTemplateRendererUnknownAction(t *testing.T) {
	r, err := NewTemplateRenderer(t.TempDir())
	if err != nil {
		t.Fatalf("NewTemplateRenderer() error = %v", err)
	}

	_, err = r.Render("never.registered", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Render() error = %v, want ErrTemplateNotFound", err)
	}
}

func TestTemplateRendererInvalidJSONOutput(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken.json.tmpl", `{"unterminated": `)

	r, err := NewTemplateRenderer(dir)
	if err != nil {
		t.Fatalf("NewTemplateRenderer() error = %v", err)
	}

	if _, err := r.Render("broken", nil); err == nil {
		t.Error("Render() error = nil, want invalid JSON failure")
	}
}

func TestTemplateRendererSkipsUnparsable(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "bad.json.tmpl", `{{.unclosed`)
	writeTemplate(t, dir, "good.json.tmpl", `{"ok": true}`)
	writeTemplate(t, dir, "ignored.txt", `not a template`)

	r, err := NewTemplateRenderer(dir)
	if err != nil {
		t.Fatalf("NewTemplateRenderer() error = %v", err)
	}

	if _, err := r.Render("good", nil); err != nil {
		t.Errorf("Render(good) error = %v", err)
	}
	if _, err := r.Render("bad", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Render(bad) error = %v, want ErrTemplateNotFound", err)
	}
	if _, err := r.Render("ignored", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Render(ignored) error = %v, want ErrTemplateNotFound", err)
	}
}

func TestTemplateRendererMissingDir(t *testing.T) {
	if _, err := NewTemplateRenderer(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("NewTemplateRenderer() error = nil for missing dir")
	}
}

func TestContextRenderer(t *testing.T) {
	got, err := ContextRenderer{}.Render("order.paid", map[string]any{"order_id": "o-7"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	want := map[string]any{"action": "order.paid", "order_id": "o-7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Render() = %v, want %v", got, want)
	}
}
