package gateway

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestGuardIsProtected(t *testing.T) {
	g := NewGuard(".conductor/features.json", ".backup")

	tests := []struct {
		path string
		want bool
	}{
		{".conductor/features.json", true},
		{"./.conductor/features.json", true},
		{"/home/me/project/.conductor/features.json", true},
		{"/home/me/project/.conductor/features.json.backup", true},
		{"sub/dir/.conductor/features.json.lock", true},
		{".conductor/.features.json.tmp-1234", true},
		{".conductor/settings.json", false},
		{"features.json", false},
		{"src/features.go", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := g.IsProtected(tt.path); got != tt.want {
			t.Errorf("IsProtected(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestGuardCheckToolUse(t *testing.T) {
	g := NewGuard(".conductor/features.json", ".backup")

	tests := []struct {
		name    string
		tool    string
		input   any
		blocked bool
	}{
		{"edit feature list", "Edit", map[string]any{"file_path": "/p/.conductor/features.json"}, true},
		{"write backup", "Write", map[string]any{"file_path": ".conductor/features.json.backup"}, true},
		{"edit source", "Edit", map[string]any{"file_path": "main.go"}, false},
		{"codex file change", "file_change", map[string]any{"changes": []any{map[string]any{"path": ".conductor/features.json"}}}, true},
		{"shell overwrite", "Bash", map[string]any{"command": "echo '[]' > .conductor/features.json"}, true},
		{"shell remove", "shell", map[string]any{"cmd": "rm .conductor/features.json.backup"}, true},
		{"shell read", "Bash", map[string]any{"command": "cat .conductor/features.json"}, false},
		{"read tool", "Read", map[string]any{"file_path": ".conductor/features.json"}, false},
		{"gateway tool", ToolUpdateFeatureStatus, map[string]any{"featureId": "f1", "status": "verified"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatal(err)
			}
			err = g.CheckToolUse(tt.tool, raw)
			if tt.blocked && !errors.Is(err, ErrProtectedPath) {
				t.Fatalf("expected ErrProtectedPath, got %v", err)
			}
			if !tt.blocked && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestGuardIgnoresGarbageInput(t *testing.T) {
	g := NewGuard(".conductor/features.json", ".backup")
	if err := g.CheckToolUse("Edit", json.RawMessage(`not json`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.CheckToolUse("Edit", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDisallowedToolRules(t *testing.T) {
	g := NewGuard(".conductor/features.json", ".backup")
	rules := g.DisallowedToolRules()

	want := map[string]bool{
		"Edit(.conductor/features.json)":           false,
		"Write(**/.conductor/features.json.backup)": false,
		"MultiEdit(.conductor/features.json)":      false,
	}
	for _, r := range rules {
		if _, ok := want[r]; ok {
			want[r] = true
		}
	}
	for rule, seen := range want {
		if !seen {
			t.Errorf("missing rule %s in %v", rule, rules)
		}
	}
}
