package provider

import (
	"encoding/json"
	"fmt"
)

// geminiDialect drives "gemini --output-format stream-json". The CLI has no
// session resume, so every turn starts fresh.
type geminiDialect struct{}

func (geminiDialect) args(a argContext) ([]string, string) {
	argv := []string{"--output-format", "stream-json", "--yolo"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	argv = append(argv, "--prompt", promptWithImages(a.prompt, a.images, "@"))
	return argv, ""
}

func (geminiDialect) decoder() lineDecoder {
	return &geminiDecoder{}
}

type geminiLine struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     string          `json:"status,omitempty"`
	Output     string          `json:"output,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
}

type geminiDecoder struct {
	toolNames map[string]string
}

func (d *geminiDecoder) decode(line []byte) (decoded, error) {
	var l geminiLine
	if err := json.Unmarshal(line, &l); err != nil {
		return decoded{}, fmt.Errorf("invalid gemini event: %w", err)
	}

	var out decoded
	switch l.Type {
	case "message":
		if l.Role == "assistant" && l.Content != "" {
			out.events = append(out.events, textEvent(l.Content))
		}
	case "tool_use":
		if d.toolNames == nil {
			d.toolNames = make(map[string]string)
		}
		d.toolNames[l.ToolID] = l.ToolName
		out.events = append(out.events, toolUseEvent(l.ToolID, l.ToolName, l.Parameters))
	case "tool_result":
		out.events = append(out.events, toolResultEvent(l.ToolID, d.toolNames[l.ToolID], l.Output, l.Status == "error"))
	case "error":
		if l.Message != "" {
			out.failure = l.Message
		} else {
			out.failure = errorMessage(l.Error)
		}
	case "result":
		if l.Status == "error" {
			out.failure = errorMessage(l.Error)
		}
	}
	return out, nil
}
