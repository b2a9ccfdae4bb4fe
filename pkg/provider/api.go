package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/session"
	"conductor/pkg/utils"
)

// Chat roles used by the API backends.
const (
	chatUser      = "user"
	chatAssistant = "assistant"
	chatTool      = "tool"
)

// chatMessage is a provider-neutral conversation entry.
type chatMessage struct {
	role       string
	text       string
	toolCalls  []toolCall
	toolCallID string
	toolName   string
	isError    bool
}

type toolCall struct {
	id   string
	name string
	args json.RawMessage
}

type chatRequest struct {
	model     string
	system    string
	messages  []chatMessage
	tools     []gateway.ToolDefinition
	maxTokens int
}

type chatReply struct {
	text      string
	toolCalls []toolCall
}

// chatModel is a hosted model behind an API key.
type chatModel interface {
	complete(ctx context.Context, req chatRequest) (*chatReply, error)
	// verify checks the key with a cheap authenticated call.
	verify(ctx context.Context) error
}

type chatFactory func(ctx context.Context, apiKey string) (chatModel, error)

// apiMaxOutputTokens caps non-streaming completions.
const apiMaxOutputTokens = 8192

const systemPrompt = `You are a coding agent working in %s.
Feature progress for this project is tracked in a protected feature list. Never edit
that file directly; report progress only through the %s tool.`

// apiConversation runs the model in-process and executes the gateway tool itself.
type apiConversation struct {
	id       ID
	model    chatModel
	spec     RunSpec
	maxIter  int
	maxOut   int
	window   int
	system   string
	logger   *logx.Logger
	threadID string

	mu      sync.Mutex
	history []chatMessage
	cancel  context.CancelFunc
}

func newAPIConversation(id ID, model chatModel, rs RunSpec, def ModelDefinition, maxIter int, logger *logx.Logger) *apiConversation {
	workdir := rs.WorkingDirectory
	if workdir == "" {
		workdir = rs.ProjectPath
	}
	c := &apiConversation{
		id:       id,
		model:    model,
		spec:     rs,
		maxIter:  maxIter,
		maxOut:   min(def.MaxOutputTokens, apiMaxOutputTokens),
		window:   def.ContextWindow,
		system:   fmt.Sprintf(systemPrompt, workdir, gateway.ToolUpdateFeatureStatus),
		logger:   logger,
		threadID: rs.ResumeID,
	}
	if c.threadID == "" {
		c.threadID = uuid.New().String()
	}
	c.history = seedHistory(rs.History)
	return c
}

// seedHistory converts stored messages. Tool messages are dropped: their call
// ids belong to an earlier process and cannot be replayed.
func seedHistory(msgs []session.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			out = append(out, chatMessage{role: chatUser, text: promptWithImages(m.Content, m.Images, "")})
		case session.RoleAgent:
			if m.Content != "" {
				out = append(out, chatMessage{role: chatAssistant, text: m.Content})
			}
		}
	}
	return out
}

func (c *apiConversation) ProviderSessionID() string {
	return c.threadID
}

// SendTurn runs the tool loop: call the model, execute any tool calls, feed the
// results back, until the model answers without tools.
func (c *apiConversation) SendTurn(ctx context.Context, turn Turn, emit EmitFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancel = cancel
	c.history = append(c.history, chatMessage{role: chatUser, text: promptWithImages(turn.Message, turn.Images, "")})
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	model := turn.Model
	if model == "" {
		model = c.spec.Model
	}
	var tools []gateway.ToolDefinition
	if c.spec.Tool != nil {
		tools = []gateway.ToolDefinition{c.spec.Tool.Definition()}
	}

	for i := 0; i < c.maxIter; i++ {
		req := chatRequest{
			model:     model,
			system:    c.system,
			messages:  c.trimmedHistory(),
			tools:     tools,
			maxTokens: c.maxOut,
		}
		reply, err := c.model.complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s API call failed: %w", c.id, err)
		}

		if reply.text != "" {
			if err := emit(textEvent(reply.text)); err != nil {
				return err
			}
		}
		c.appendHistory(chatMessage{role: chatAssistant, text: reply.text, toolCalls: reply.toolCalls})
		if len(reply.toolCalls) == 0 {
			return nil
		}

		for _, call := range reply.toolCalls {
			if err := emit(toolUseEvent(call.id, call.name, call.args)); err != nil {
				return err
			}
			res, err := c.callTool(ctx, call)
			if err != nil {
				return err
			}
			if err := emit(toolResultEvent(call.id, call.name, res.Content, res.IsError)); err != nil {
				return err
			}
			c.appendHistory(chatMessage{role: chatTool, text: res.Content, toolCallID: call.id, toolName: call.name, isError: res.IsError})
		}
	}
	return fmt.Errorf("%s exceeded %d tool iterations in one turn", c.id, c.maxIter)
}

// callTool runs one call. Bad arguments and unknown tools are reported to the
// model as error results; only cancellation aborts the turn.
func (c *apiConversation) callTool(ctx context.Context, call toolCall) (*gateway.ExecResult, error) {
	if c.spec.Tool == nil {
		return &gateway.ExecResult{Content: "no tools are available", IsError: true}, nil
	}
	args := map[string]any{}
	if len(call.args) > 0 {
		if err := json.Unmarshal(call.args, &args); err != nil {
			return &gateway.ExecResult{Content: fmt.Sprintf("invalid tool arguments: %v", err), IsError: true}, nil
		}
	}
	res, err := c.spec.Tool.Call(ctx, call.name, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &gateway.ExecResult{Content: err.Error(), IsError: true}, nil
	}
	return res, nil
}

func (c *apiConversation) appendHistory(m chatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, m)
}

// trimmedHistory returns the newest history that fits the model's context, always
// starting at a user message. When a single exchange outgrows the window, the
// last user message and everything after it is kept regardless of size, so tool
// results never lose the call that produced them.
func (c *apiConversation) trimmedHistory() []chatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := c.window - c.maxOut
	start := 0
	for start < len(c.history)-1 && budget > 0 && !utils.FitsContext(budget, historyTexts(c.system, c.history[start:])...) {
		start++
	}
	for i := start; i < len(c.history); i++ {
		if c.history[i].role == chatUser {
			start = i
			break
		}
		if i == len(c.history)-1 {
			start = lastUser(c.history[:start+1])
		}
	}
	out := make([]chatMessage, len(c.history)-start)
	copy(out, c.history[start:])
	return out
}

// lastUser returns the index of the newest user message, or 0 when there is none.
func lastUser(msgs []chatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].role == chatUser {
			return i
		}
	}
	return 0
}

func historyTexts(system string, msgs []chatMessage) []string {
	texts := make([]string, 0, len(msgs)+1)
	texts = append(texts, system)
	for _, m := range msgs {
		texts = append(texts, m.text)
		for _, tc := range m.toolCalls {
			texts = append(texts, string(tc.args))
		}
	}
	return texts
}

// schemaProperties renders tool properties as JSON schema.
func schemaProperties(s gateway.InputSchema) map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		m := map[string]any{"type": p.Type}
		if p.Description != "" {
			m["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			m["enum"] = p.Enum
		}
		props[name] = m
	}
	return props
}

func (c *apiConversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *apiConversation) Close() error {
	c.Cancel()
	return nil
}
