package permission

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestClassifyMutatingToolPrompts(t *testing.T) {
	b := New("", 8)
	d, resolved := b.Classify("Edit", json.RawMessage(`{"file_path":"main.go"}`))
	if resolved {
		t.Fatalf("expected Edit to require a dialog, got resolved decision %v", d)
	}
	if d != Wait {
		t.Fatalf("expected Wait pending dialog, got %v", d)
	}
}

func TestClassifyAutoAllowUnknownTool(t *testing.T) {
	b := New("", 8)
	d, resolved := b.Classify("Grep", json.RawMessage(`{}`))
	if !resolved || d != Allow {
		t.Fatalf("expected unknown tool to auto-allow, got %v resolved=%v", d, resolved)
	}
}

func TestClassifySessionDisallowList(t *testing.T) {
	b := New("", 8)
	b.SetDisallowed([]string{"Bash"})
	d, resolved := b.Classify("Bash", json.RawMessage(`{"command":"ls"}`))
	if !resolved || d != Deny {
		t.Fatalf("expected session-disallowed tool to auto-deny, got %v resolved=%v", d, resolved)
	}
}

func TestAlwaysAllowPersistsRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")

	b := New(path, 8)
	fp := Fingerprint("Bash", json.RawMessage(`{"command":"ls -la"}`))
	if fp != "ls" {
		t.Fatalf("expected fingerprint %q, got %q", "ls", fp)
	}
	b.applyRule("Bash", json.RawMessage(`{"command":"ls -la"}`), AlwaysAllow)

	reloaded := New(path, 8)
	d, resolved := reloaded.Classify("Bash", json.RawMessage(`{"command":"ls -la"}`))
	if !resolved || d != Allow {
		t.Fatalf("expected persisted always-allow rule to resolve Allow, got %v resolved=%v", d, resolved)
	}
}

func TestDenialMessage(t *testing.T) {
	got := DenialMessage("Bash", "rm -rf /")
	want := "Permission to use Bash on rm -rf / has been denied."
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
