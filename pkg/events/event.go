// Package events delivers per-session run events to subscribers in publish order
// without dropping any of them.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	RunStarted   Type = "run_started"
	UserMessage  Type = "user_message"
	Text         Type = "text"
	ToolUse      Type = "tool_use"
	ToolResult   Type = "tool_result"
	Warning      Type = "warning"
	TurnComplete Type = "turn_complete"
	Error        Type = "error"
	Stopped      Type = "stopped"
)

// Event is one item of a session's stream.
type Event struct {
	Seq       uint64            `json:"seq"`
	SessionID string            `json:"sessionId"`
	RunID     string            `json:"runId,omitempty"`
	Type      Type              `json:"type"`
	Text      string            `json:"text,omitempty"`
	Tool      *ToolCall         `json:"tool,omitempty"`
	Error     string            `json:"error,omitempty"`
	Terminal  bool              `json:"terminal,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Time      time.Time         `json:"time"`
}

// ToolCall describes a tool invocation or its result.
type ToolCall struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// EndsTurn reports whether no further events of the current turn will follow.
func (e *Event) EndsTurn() bool {
	return e.Terminal || e.Type == TurnComplete
}
