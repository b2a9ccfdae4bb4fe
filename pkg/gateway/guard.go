package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrProtectedPath is returned when a write targets the feature list or its backup.
var ErrProtectedPath = errors.New("path is protected; use update_feature_status")

// fileEditTools are agent tool names whose input names a file to write.
var fileEditTools = map[string]bool{
	"Edit": true, "Write": true, "MultiEdit": true, "NotebookEdit": true,
	"edit": true, "write": true, "write_file": true, "edit_file": true, "patch": true,
	"file_change": true, "apply_patch": true, "replace": true,
}

var shellTools = map[string]bool{
	"Bash": true, "bash": true, "shell": true, "command_execution": true, "run_shell_command": true,
}

// shellWriteMarkers are substrings of a shell command that can modify a file.
var shellWriteMarkers = []string{">", "rm ", "mv ", "cp ", "tee ", "sed -i", "truncate", "dd ", "install "}

var pathKeys = []string{"file_path", "filePath", "path", "notebook_path", "filename", "target"}

// Guard recognises writes to the protected feature files.
type Guard struct {
	patterns []string
	names    []string
}

// NewGuard protects featureFile (relative to any project root), its backup, lock and temp files.
func NewGuard(featureFile, backupSuffix string) *Guard {
	rel := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(featureFile)), "/")
	tmp := "." + path.Base(rel) + ".tmp-*"
	if dir := path.Dir(rel); dir != "." {
		tmp = dir + "/" + tmp
	}
	return &Guard{
		patterns: []string{
			"**/" + rel,
			"**/" + rel + backupSuffix,
			"**/" + rel + ".lock",
			"**/" + tmp,
		},
		names: []string{rel, rel + backupSuffix},
	}
}

// Patterns returns the protected glob patterns.
func (g *Guard) Patterns() []string {
	out := make([]string, len(g.patterns))
	copy(out, g.patterns)
	return out
}

// IsProtected reports whether p names a protected file.
func (g *Guard) IsProtected(p string) bool {
	if p == "" {
		return false
	}
	name := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(p)), "/")
	for _, pattern := range g.patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Check returns ErrProtectedPath when p names a protected file.
func (g *Guard) Check(p string) error {
	if g.IsProtected(p) {
		return fmt.Errorf("%w: %s", ErrProtectedPath, p)
	}
	return nil
}

// CheckToolUse inspects an agent tool invocation and reports a write to a protected file.
// Unknown tools and unparsable inputs pass; this is a detector, not a sandbox.
func (g *Guard) CheckToolUse(toolName string, input json.RawMessage) error {
	if len(input) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return nil
	}

	if fileEditTools[toolName] {
		for _, key := range pathKeys {
			if p, ok := args[key].(string); ok {
				if err := g.Check(p); err != nil {
					return err
				}
			}
		}
		if changes, ok := args["changes"].([]any); ok {
			for _, c := range changes {
				if m, ok := c.(map[string]any); ok {
					if p, ok := m["path"].(string); ok {
						if err := g.Check(p); err != nil {
							return err
						}
					}
				}
			}
		}
		return nil
	}

	if shellTools[toolName] {
		cmd, _ := args["command"].(string)
		if cmd == "" {
			cmd, _ = args["cmd"].(string)
		}
		return g.checkShell(cmd)
	}
	return nil
}

func (g *Guard) checkShell(cmd string) error {
	if cmd == "" {
		return nil
	}
	writes := false
	for _, m := range shellWriteMarkers {
		if strings.Contains(cmd, m) {
			writes = true
			break
		}
	}
	if !writes {
		return nil
	}
	for _, name := range g.names {
		if strings.Contains(cmd, name) || strings.Contains(cmd, path.Base(name)) {
			return fmt.Errorf("%w: shell command %q", ErrProtectedPath, cmd)
		}
	}
	return nil
}

// DisallowedToolRules returns permission rules that deny file-edit tools on protected
// paths, in the Tool(pattern) form agent CLIs accept.
func (g *Guard) DisallowedToolRules() []string {
	var rules []string
	for _, tool := range []string{"Edit", "Write", "MultiEdit"} {
		for _, name := range g.names {
			rules = append(rules, fmt.Sprintf("%s(%s)", tool, name))
			rules = append(rules, fmt.Sprintf("%s(**/%s)", tool, name))
		}
	}
	return rules
}
