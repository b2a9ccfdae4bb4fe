package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"conductor/pkg/gateway"
)

// claudeDialect drives "claude --print --output-format stream-json".
type claudeDialect struct{}

func (claudeDialect) args(a argContext) ([]string, string) {
	argv := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	if a.permissionMode != "" {
		argv = append(argv, "--permission-mode", a.permissionMode)
	}
	if a.mcpConfigPath != "" {
		argv = append(argv,
			"--mcp-config", a.mcpConfigPath,
			"--allowedTools", "mcp__"+gateway.MCPServerName+"__"+gateway.ToolUpdateFeatureStatus)
	}
	if len(a.spec.DisallowedTools) > 0 {
		argv = append(argv, "--disallowedTools", strings.Join(a.spec.DisallowedTools, ","))
	}

	var assigned string
	if a.resumeID != "" {
		argv = append(argv, "--resume", a.resumeID)
	} else {
		assigned = uuid.New().String()
		argv = append(argv, "--session-id", assigned)
	}
	argv = append(argv, "--", promptWithImages(a.prompt, a.images, ""))
	return argv, assigned
}

func (claudeDialect) decoder() lineDecoder {
	return &streamJSONDecoder{}
}

// cursorDialect drives "cursor-agent --print --output-format stream-json", which
// emits the same event shapes plus tool_call events.
type cursorDialect struct{}

func (cursorDialect) args(a argContext) ([]string, string) {
	argv := []string{"--print", "--output-format", "stream-json", "--force"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	if a.resumeID != "" {
		argv = append(argv, "--resume", a.resumeID)
	}
	argv = append(argv, promptWithImages(a.prompt, a.images, ""))
	return argv, ""
}

func (cursorDialect) decoder() lineDecoder {
	return &streamJSONDecoder{}
}

// streamLine is one line of stream-json output.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *streamMessage  `json:"message,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`

	// cursor tool_call events
	CallID   string                     `json:"call_id,omitempty"`
	ToolCall map[string]json.RawMessage `json:"tool_call,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// streamJSONDecoder remembers tool names by id so results can be labelled.
type streamJSONDecoder struct {
	toolNames map[string]string
}

func (d *streamJSONDecoder) remember(id, name string) {
	if d.toolNames == nil {
		d.toolNames = make(map[string]string)
	}
	d.toolNames[id] = name
}

func (d *streamJSONDecoder) decode(line []byte) (decoded, error) {
	var l streamLine
	if err := json.Unmarshal(line, &l); err != nil {
		return decoded{}, fmt.Errorf("invalid stream-json line: %w", err)
	}
	out := decoded{sessionID: l.SessionID}

	switch l.Type {
	case "assistant":
		if l.Message == nil {
			break
		}
		for _, b := range l.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out.events = append(out.events, textEvent(b.Text))
				}
			case "tool_use":
				d.remember(b.ID, b.Name)
				out.events = append(out.events, toolUseEvent(b.ID, b.Name, b.Input))
			}
		}
	case "user":
		if l.Message == nil {
			break
		}
		for _, b := range l.Message.Content {
			if b.Type == "tool_result" {
				out.events = append(out.events, toolResultEvent(b.ToolUseID, d.toolNames[b.ToolUseID], flattenContent(b.Content), b.IsError))
			}
		}
	case "tool_call":
		name, args := cursorToolCall(l.ToolCall)
		switch l.Subtype {
		case "started":
			d.remember(l.CallID, name)
			out.events = append(out.events, toolUseEvent(l.CallID, name, args))
		case "completed":
			out.events = append(out.events, toolResultEvent(l.CallID, name, cursorToolOutput(l.ToolCall), false))
		}
	case "result":
		if l.IsError || strings.HasPrefix(l.Subtype, "error") {
			msg := flattenContent(l.Result)
			if msg == "" {
				msg = l.Subtype
			}
			out.failure = msg
		}
	case "error":
		out.failure = errorMessage(l.Error)
	}
	return out, nil
}

// cursorToolNames maps tool call keys such as "editToolCall" to agent tool names.
var cursorToolNames = map[string]string{
	"editToolCall":  "edit",
	"writeToolCall": "write",
	"readToolCall":  "read",
	"shellToolCall": "shell",
	"grepToolCall":  "grep",
	"lsToolCall":    "ls",
}

func cursorToolCall(call map[string]json.RawMessage) (string, json.RawMessage) {
	for key, raw := range call {
		var body struct {
			Args json.RawMessage `json:"args"`
		}
		_ = json.Unmarshal(raw, &body)
		name, ok := cursorToolNames[key]
		if !ok {
			name = strings.TrimSuffix(key, "ToolCall")
		}
		return name, body.Args
	}
	return "", nil
}

func cursorToolOutput(call map[string]json.RawMessage) string {
	for _, raw := range call {
		var body struct {
			Result json.RawMessage `json:"result"`
		}
		if json.Unmarshal(raw, &body) == nil && len(body.Result) > 0 {
			return string(body.Result)
		}
	}
	return ""
}

// flattenContent renders a string or an array of text blocks as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(raw, &blocks) == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// errorMessage extracts a message from a string or {"message": ...} error value.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Name    string `json:"name"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		switch {
		case obj.Message != "":
			return obj.Message
		case obj.Data.Message != "":
			return obj.Data.Message
		case obj.Name != "":
			return obj.Name
		}
	}
	return string(raw)
}
