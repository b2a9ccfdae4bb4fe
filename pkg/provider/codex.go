package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"conductor/pkg/events"
	"conductor/pkg/gateway"
)

// codexDialect drives "codex exec --json".
type codexDialect struct{}

func (codexDialect) args(a argContext) ([]string, string) {
	argv := []string{"exec", "--json", "--skip-git-repo-check", "--full-auto"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	for _, img := range a.images {
		argv = append(argv, "--image", img)
	}
	if cmd := a.spec.MCPCommand; len(cmd) > 0 {
		key := "mcp_servers." + gateway.MCPServerName
		argv = append(argv,
			"-c", key+".command="+strconv.Quote(cmd[0]),
			"-c", key+".args="+tomlStringArray(cmd[1:]))
	}
	if a.resumeID != "" {
		argv = append(argv, "resume", a.resumeID)
	}
	argv = append(argv, a.prompt)
	return argv, ""
}

func (codexDialect) decoder() lineDecoder {
	return codexDecoder{}
}

// tomlStringArray renders a TOML array of basic strings for -c overrides.
func tomlStringArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

type codexLine struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"thread_id,omitempty"`
	Item     *codexItem      `json:"item,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type codexItem struct {
	ID               string          `json:"id"`
	Type             string          `json:"type,omitempty"`
	ItemType         string          `json:"item_type,omitempty"`
	Text             string          `json:"text,omitempty"`
	Command          string          `json:"command,omitempty"`
	AggregatedOutput string          `json:"aggregated_output,omitempty"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	Status           string          `json:"status,omitempty"`
	Changes          []codexChange   `json:"changes,omitempty"`
	Server           string          `json:"server,omitempty"`
	Tool             string          `json:"tool,omitempty"`
	Arguments        json.RawMessage `json:"arguments,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

type codexChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

func (i *codexItem) kind() string {
	k := i.Type
	if k == "" {
		k = i.ItemType
	}
	if k == "assistant_message" {
		return "agent_message"
	}
	return k
}

func (i *codexItem) failed() bool {
	return i.Status == "failed" || (i.ExitCode != nil && *i.ExitCode != 0)
}

type codexDecoder struct{}

func (codexDecoder) decode(line []byte) (decoded, error) {
	var l codexLine
	if err := json.Unmarshal(line, &l); err != nil {
		return decoded{}, fmt.Errorf("invalid codex event: %w", err)
	}

	var out decoded
	switch l.Type {
	case "thread.started":
		out.sessionID = l.ThreadID
	case "item.started":
		if l.Item == nil {
			break
		}
		switch l.Item.kind() {
		case "command_execution":
			input, _ := json.Marshal(map[string]string{"command": l.Item.Command})
			out.events = append(out.events, toolUseEvent(l.Item.ID, "command_execution", input))
		case "mcp_tool_call":
			out.events = append(out.events, toolUseEvent(l.Item.ID, l.Item.Tool, l.Item.Arguments))
		}
	case "item.completed":
		if l.Item != nil {
			out.events = append(out.events, codexCompleted(l.Item)...)
		}
	case "turn.failed":
		out.failure = errorMessage(l.Error)
	case "error":
		out.failure = l.Message
		if out.failure == "" {
			out.failure = errorMessage(l.Error)
		}
	}
	return out, nil
}

func codexCompleted(item *codexItem) []events.Event {
	switch item.kind() {
	case "agent_message":
		if item.Text == "" {
			return nil
		}
		return []events.Event{textEvent(item.Text)}
	case "command_execution":
		return []events.Event{toolResultEvent(item.ID, "command_execution", item.AggregatedOutput, item.failed())}
	case "file_change":
		input, _ := json.Marshal(map[string]any{"changes": item.Changes})
		paths := make([]string, 0, len(item.Changes))
		for _, c := range item.Changes {
			paths = append(paths, c.Path)
		}
		return []events.Event{
			toolUseEvent(item.ID, "file_change", input),
			toolResultEvent(item.ID, "file_change", strings.Join(paths, "\n"), item.failed()),
		}
	case "mcp_tool_call":
		return []events.Event{toolResultEvent(item.ID, item.Tool, flattenContent(item.Result), item.failed())}
	}
	return nil
}
