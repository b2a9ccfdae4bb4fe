// Package provider drives external coding agents. Every agent is one variant of a
// closed set behind the Provider interface: installation and auth probes, a static
// model catalog, and a run backend (the agent's CLI, or its HTTP API when only an
// API key is available).
package provider

import (
	"context"
	"errors"
	"time"

	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/session"
)

var (
	// ErrUnknownProvider is returned for an id outside the variant set or a disabled one.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnsupportedModel is returned for a model missing from the provider's catalog.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrNotRunnable is returned when a provider has neither a CLI nor a usable API key.
	ErrNotRunnable = errors.New("provider is not runnable")
)

// ID identifies a provider variant.
type ID string

const (
	Claude   ID = "claude"
	Codex    ID = "codex"
	Cursor   ID = "cursor"
	OpenCode ID = "opencode"
	Gemini   ID = "gemini"
)

// IDs returns every variant in display order.
func IDs() []ID {
	return []ID{Claude, Codex, Cursor, OpenCode, Gemini}
}

// Installation methods reported in InstallationStatus.Method.
const (
	MethodPath      = "path"
	MethodNPM       = "npm"
	MethodPNPM      = "pnpm"
	MethodBun       = "bun"
	MethodBrew      = "brew"
	MethodScoop     = "scoop"
	MethodFixedPath = "fixed-path"
	MethodAPIKey    = "api-key"
)

// Auth signal sources.
const (
	SourceStatus      = "status"
	SourceCredentials = "credentials"
	SourceEnv         = "env"
	SourceLocal       = "local"
)

// Info describes a variant's static capabilities.
type Info struct {
	ID            ID     `json:"id"`
	DisplayName   string `json:"displayName"`
	Binary        string `json:"binary"`
	SupportsMCP   bool   `json:"supportsMcp"`
	Resumable     bool   `json:"resumable"`
	HasAPIBackend bool   `json:"hasApiBackend"`

	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities summarise what a variant can do across its catalog.
type Capabilities struct {
	SupportsVision bool `json:"supportsVision"`
	SupportsTools  bool `json:"supportsTools"`
	Streaming      bool `json:"streaming"`
}

// InstallationStatus is the outcome of DetectInstallation. A failed probe is
// a negative result, never an error.
type InstallationStatus struct {
	Installed bool      `json:"installed"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	Version   string    `json:"version,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

// AuthSignal is one piece of auth evidence.
type AuthSignal struct {
	Source string `json:"source"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// AuthStatus is the outcome of CheckAuth. Authenticated is true when any signal is.
type AuthStatus struct {
	Authenticated bool         `json:"authenticated"`
	Method        string       `json:"method,omitempty"`
	Signals       []AuthSignal `json:"signals"`
	CheckedAt     time.Time    `json:"checkedAt"`
}

// ModelDefinition is one catalog entry.
type ModelDefinition struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	ContextWindow   int    `json:"contextWindow"`
	MaxOutputTokens int    `json:"maxOutputTokens"`
	SupportsVision  bool   `json:"supportsVision"`
	SupportsTools   bool   `json:"supportsTools"`
	Default         bool   `json:"default,omitempty"`
}

// Tool is the function tool API backends expose to the model.
// *gateway.BoundTool implements it.
type Tool interface {
	Definition() gateway.ToolDefinition
	Call(ctx context.Context, name string, args map[string]any) (*gateway.ExecResult, error)
}

// RunSpec configures a conversation.
type RunSpec struct {
	SessionID        string
	RunID            string
	WorkingDirectory string
	ProjectPath      string
	Model            string

	// ResumeID is the provider-side session id captured by an earlier run.
	ResumeID string

	// History seeds API backends, which hold the conversation in memory.
	History []session.Message

	// Tool is exposed natively by API backends.
	Tool Tool

	// MCPCommand is the argv that serves the feature gateway over stdio for this
	// project. CLI backends that speak MCP are pointed at it.
	MCPCommand []string

	// DisallowedTools are tool permission rules denied to the agent.
	DisallowedTools []string

	Env []string
}

// Turn is one user message.
type Turn struct {
	Message string
	Images  []string
	Model   string
}

// EmitFunc receives the events of a turn in the order the agent produced them.
// An error from it aborts the turn.
type EmitFunc func(events.Event) error

// Conversation is a started run. SendTurn blocks until the agent finishes the
// turn; a nil return means the turn completed.
type Conversation interface {
	SendTurn(ctx context.Context, turn Turn, emit EmitFunc) error
	// Cancel stops the turn in flight, escalating to a kill after the grace period.
	Cancel()
	ProviderSessionID() string
	Close() error
}

// Provider is the capability interface every variant implements.
type Provider interface {
	ID() ID
	Info() Info
	DetectInstallation(ctx context.Context) InstallationStatus
	CheckAuth(ctx context.Context) AuthStatus
	Models() []ModelDefinition
	StartRun(ctx context.Context, spec RunSpec) (Conversation, error)
}

// Status is the combined view reported by the registry.
type Status struct {
	Info         Info               `json:"info"`
	Installation InstallationStatus `json:"installation"`
	Auth         AuthStatus         `json:"auth"`
}
