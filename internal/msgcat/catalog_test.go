package msgcat

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderEmbedded(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("challenge.accepting", map[string]any{"Challenger": "Bob"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Accepting challenge from Bob" {
		t.Fatalf("unexpected %q", got)
	}
	if _, err := c.Render("challenge.accepting", map[string]any{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if _, err := c.Render("no.such.key", nil); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("status:\n  resign: \"Resigned, {{.Who}}\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Render("status.resign", map[string]any{"Who": "black"})
	if err != nil || got != "Resigned, black" {
		t.Fatalf("override not applied: %q %v", got, err)
	}
	if !c.Has("status.mate") {
		t.Fatalf("embedded keys lost after override")
	}
}

func TestOverrideDuplicateKeysRejected(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("app:\n  awaiting: x\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected duplicate key error")
	}
}

func TestNotifierStatusFallback(t *testing.T) {
	var out bytes.Buffer
	n := NewNotifier(MustDefault(), &out, nil)
	n.Status("mate", nil)
	n.Status("insufficientMaterialClaim", nil)
	n.Say("missing.key", nil)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", out.String())
	}
	if lines[0] != "Game ended in mate !" {
		t.Fatalf("unexpected %q", lines[0])
	}
	if lines[1] != "Game ended (insufficientMaterialClaim)." {
		t.Fatalf("unexpected fallback %q", lines[1])
	}
	if lines[2] != "missing.key" {
		t.Fatalf("unexpected %q", lines[2])
	}
	var nilN *Notifier
	nilN.Say("app.awaiting", nil)
}
