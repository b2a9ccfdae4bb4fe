// Package session persists conversation sessions and their message history.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrValidation is returned for invalid input, such as an empty name.
	ErrValidation = errors.New("validation error")
)

// Session is a named conversational context bound to a project.
type Session struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	ProjectPath       string    `json:"projectPath"`
	WorkingDirectory  string    `json:"workingDirectory"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	ProviderSessionID string    `json:"providerSessionId,omitempty"`
	RequiresTools     bool      `json:"requiresTools"`
	Archived          bool      `json:"archived"`
	Tags              []string  `json:"tags"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Summary is a listed session with derived fields.
type Summary struct {
	Session
	MessageCount int    `json:"messageCount"`
	Preview      string `json:"preview"`
	Tokens       int    `json:"tokens"`
}

// Role identifies who produced a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent || r == RoleTool
}

// Message is one entry of a session's append-only history.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	Images    []string  `json:"images,omitempty"`
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateParams are the fields accepted by Create.
type CreateParams struct {
	Name             string
	ProjectPath      string
	WorkingDirectory string
	Provider         string
	Model            string
	RequiresTools    bool
	Tags             []string
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name              *string
	Tags              *[]string
	Model             *string
	Provider          *string
	WorkingDirectory  *string
	ProviderSessionID *string
	RequiresTools     *bool
}

// ListOptions filters List.
type ListOptions struct {
	IncludeArchived bool
}

// Store is the session persistence contract. Every mutation of an unknown id
// fails with ErrNotFound; nothing is created implicitly.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Update(ctx context.Context, id string, p Patch) (*Session, error)
	Archive(ctx context.Context, id string) (*Session, error)
	Unarchive(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, m Message) (*Message, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	DeleteMessages(ctx context.Context, sessionID string) (int, error)

	Close() error
}

// normalizeTags trims, drops empties and deduplicates; tags are a set.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// preview returns the first n runes of s.
func preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
