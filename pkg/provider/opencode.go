package provider

import (
	"encoding/json"
	"fmt"
)

// opencodeDialect drives "opencode run --format json".
type opencodeDialect struct{}

func (opencodeDialect) args(a argContext) ([]string, string) {
	argv := []string{"run", "--format", "json"}
	if a.model != "" {
		argv = append(argv, "--model", a.model)
	}
	if a.resumeID != "" {
		argv = append(argv, "--session", a.resumeID)
	}
	argv = append(argv, promptWithImages(a.prompt, a.images, ""))
	return argv, ""
}

func (opencodeDialect) decoder() lineDecoder {
	return opencodeDecoder{}
}

type opencodeLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionID,omitempty"`
	Part      *opencodePart   `json:"part,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

type opencodePart struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	CallID string         `json:"callID,omitempty"`
	State  *opencodeState `json:"state,omitempty"`
}

type opencodeState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type opencodeDecoder struct{}

func (opencodeDecoder) decode(line []byte) (decoded, error) {
	var l opencodeLine
	if err := json.Unmarshal(line, &l); err != nil {
		return decoded{}, fmt.Errorf("invalid opencode event: %w", err)
	}

	out := decoded{sessionID: l.SessionID}
	switch l.Type {
	case "text":
		if l.Part != nil && l.Part.Text != "" {
			out.events = append(out.events, textEvent(l.Part.Text))
		}
	case "tool_use":
		p := l.Part
		if p == nil || p.State == nil {
			break
		}
		out.events = append(out.events, toolUseEvent(p.CallID, p.Tool, p.State.Input))
		switch p.State.Status {
		case "completed":
			out.events = append(out.events, toolResultEvent(p.CallID, p.Tool, p.State.Output, false))
		case "error":
			out.events = append(out.events, toolResultEvent(p.CallID, p.Tool, p.State.Error, true))
		}
	case "error":
		out.failure = errorMessage(l.Error)
	}
	return out, nil
}
