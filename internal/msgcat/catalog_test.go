package msgcat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c, err := New("")
	if err != nil { t.Fatalf("New: %v", err) }
	for _, k := range []string{"events.match_found", "events.match_completed.win", "events.queue_update.timed_out", "events.queue_update.aborted"} {
		if !c.Has(k) { t.Fatalf("missing %s in %v", k, c.Keys()) }
	}
	got, err := c.Render("events.match_completed.win", map[string]any{"opponent": "bob", "rating": 1216})
	if err != nil { t.Fatalf("Render: %v", err) }
	if got != "You beat bob. New rating: 1216." { t.Fatalf("Render = %q", got) }
}

func TestRenderErrors(t *testing.T) {
	c, _ := New("")
	if _, err := c.Render("events.nope", nil); !errors.Is(err, ErrNotFound) { t.Fatalf("err = %v", err) }
	// missing data keys fail instead of printing <no value>
	if _, err := c.Render("events.match_completed.win", map[string]any{"opponent": "bob"}); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil { t.Fatalf("write: %v", err) }
	}
	write("a.yaml", "events:\n  match_completed:\n    win: \"GG {{.opponent}}\"\n")
	write("notes.txt", "ignored")

	c, err := New(dir)
	if err != nil { t.Fatalf("New: %v", err) }
	got, _ := c.Render("events.match_completed.win", map[string]any{"opponent": "bob"})
	if got != "GG bob" { t.Fatalf("override not applied: %q", got) }
	if !c.Has("events.match_completed.loss") { t.Fatalf("defaults lost") }

	write("b.yml", "events:\n  match_completed:\n    win: dup\n")
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate override key") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRejectsNonStringLeaves(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("events:\n  n: 3\n"), 0o644); err != nil { t.Fatalf("write: %v", err) }
	if _, err := New(dir); err == nil { t.Fatalf("expected error for int leaf") }
}
