package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"conductor/pkg/events"
	"conductor/pkg/exec"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
)

const maxLineSize = 1024 * 1024

// cliDialect knows one agent CLI's flags and output format.
type cliDialect interface {
	// args returns the argv after the binary. assignedID is a provider session id
	// the dialect chose up front, if any.
	args(a argContext) (argv []string, assignedID string)
	decoder() lineDecoder
}

// argContext is everything a dialect may put on a command line.
type argContext struct {
	spec           RunSpec
	model          string
	resumeID       string
	prompt         string
	images         []string
	mcpConfigPath  string
	permissionMode string
}

// lineDecoder turns one line of agent output into events.
type lineDecoder interface {
	decode(line []byte) (decoded, error)
}

type decoded struct {
	events    []events.Event
	sessionID string
	// failure is an error the agent reported in-band.
	failure string
}

// cliConversation runs one agent process per turn and resumes the provider
// session between turns.
type cliConversation struct {
	id       ID
	binary   string
	dialect  cliDialect
	executor exec.Executor
	spec     RunSpec
	opts     cliOptions
	logger   *logx.Logger

	mu        sync.Mutex
	proc      *exec.Process
	resumeID  string
	canceled  bool
	closed    bool
	mcpConfig string
}

type cliOptions struct {
	permissionMode string
	gracePeriod    time.Duration
}

func newCLIConversation(s *spec, binary string, executor exec.Executor, rs RunSpec, opts cliOptions, logger *logx.Logger) (*cliConversation, error) {
	c := &cliConversation{
		id:       s.id,
		binary:   binary,
		dialect:  s.dialect,
		executor: executor,
		spec:     rs,
		opts:     opts,
		logger:   logger,
		resumeID: rs.ResumeID,
	}
	if s.supportsMCP && s.id == Claude && len(rs.MCPCommand) > 0 {
		path, err := writeMCPConfig(rs.MCPCommand)
		if err != nil {
			return nil, err
		}
		c.mcpConfig = path
	}
	return c, nil
}

// mcpConfigFile is the --mcp-config document understood by Claude Code.
type mcpConfigFile struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

type mcpServerEntry struct {
	Type    string   `json:"type"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

func writeMCPConfig(command []string) (string, error) {
	cfg := mcpConfigFile{MCPServers: map[string]mcpServerEntry{
		gateway.MCPServerName: {Type: "stdio", Command: command[0], Args: command[1:]},
	}}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal MCP config: %w", err)
	}
	f, err := os.CreateTemp("", "conductor-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create MCP config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write MCP config: %w", err)
	}
	return f.Name(), nil
}

func (c *cliConversation) ProviderSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeID
}

// SendTurn starts the agent for one message and streams its output until it exits.
func (c *cliConversation) SendTurn(ctx context.Context, turn Turn, emit EmitFunc) error {
	model := turn.Model
	if model == "" {
		model = c.spec.Model
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%s conversation is closed", c.id)
	}
	c.canceled = false
	resuming := c.resumeID != ""
	argv, assigned := c.dialect.args(argContext{
		spec:           c.spec,
		model:          model,
		resumeID:       c.resumeID,
		prompt:         turn.Message,
		images:         turn.Images,
		mcpConfigPath:  c.mcpConfig,
		permissionMode: c.opts.permissionMode,
	})
	if assigned != "" {
		c.resumeID = assigned
	}
	c.mu.Unlock()

	cmd := append([]string{c.binary}, argv...)
	c.logger.Info("Starting %s turn: model=%s resume=%t dir=%s", c.id, model, resuming, c.spec.WorkingDirectory)
	c.logger.Debug("argv: %s", strings.Join(cmd, " "))

	proc, err := c.executor.Start(ctx, cmd, &exec.Opts{
		WorkDir:     c.spec.WorkingDirectory,
		Env:         c.spec.Env,
		GracePeriod: c.opts.gracePeriod,
	})
	if err != nil {
		return fmt.Errorf("failed to start %s: %w", c.id, err)
	}

	c.mu.Lock()
	c.proc = proc
	canceled := c.canceled
	c.mu.Unlock()
	if canceled {
		proc.Stop()
	}

	out := c.stream(proc, emit)
	_ = proc.Close()
	res, waitErr := proc.Wait()

	c.mu.Lock()
	c.proc = nil
	canceled = c.canceled
	c.mu.Unlock()

	switch {
	case out.emitErr != nil:
		return out.emitErr
	case ctx.Err() != nil:
		return ctx.Err()
	case canceled:
		return context.Canceled
	case waitErr != nil:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && out.failure != "" {
			return fmt.Errorf("%s failed: %s: %w", c.id, out.failure, waitErr)
		}
		return fmt.Errorf("%s failed: %w", c.id, waitErr)
	case out.scanErr != nil:
		return fmt.Errorf("failed to read %s output: %w", c.id, out.scanErr)
	case out.failure != "":
		return fmt.Errorf("%s reported an error: %s", c.id, out.failure)
	}
	c.logger.Debug("%s turn finished in %s", c.id, res.Duration)
	return nil
}

type streamOutcome struct {
	emitErr error
	scanErr error
	failure string
}

// stream decodes output lines in order and hands each event to emit.
func (c *cliConversation) stream(proc *exec.Process, emit EmitFunc) streamOutcome {
	var out streamOutcome
	dec := c.dialect.decoder()
	scanner := bufio.NewScanner(proc.Stdout())
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		d, err := dec.decode(line)
		if err != nil {
			c.logger.Debug("skipping undecodable %s line: %v", c.id, err)
			continue
		}
		if d.sessionID != "" {
			c.mu.Lock()
			c.resumeID = d.sessionID
			c.mu.Unlock()
		}
		if d.failure != "" {
			out.failure = d.failure
		}
		for _, ev := range d.events {
			if err := emit(ev); err != nil {
				proc.Stop()
				out.emitErr = err
				return out
			}
		}
	}
	if err := scanner.Err(); err != nil {
		proc.Stop()
		out.scanErr = err
	}
	return out
}

// Cancel stops the turn in flight. The process gets SIGTERM, then SIGKILL after
// the grace period.
func (c *cliConversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	if c.proc != nil {
		c.proc.Stop()
	}
}

// Close cancels any turn and removes the generated MCP config.
func (c *cliConversation) Close() error {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.mcpConfig != "" {
		if err := os.Remove(c.mcpConfig); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove MCP config: %w", err)
		}
		c.mcpConfig = ""
	}
	return nil
}

// promptWithImages appends image references the agent can open from disk.
func promptWithImages(prompt string, images []string, prefix string) string {
	if len(images) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached images:")
	for _, img := range images {
		b.WriteString("\n- ")
		b.WriteString(prefix)
		b.WriteString(img)
	}
	return b.String()
}

func textEvent(text string) events.Event {
	return events.Event{Type: events.Text, Text: text}
}

func toolUseEvent(id, name string, input json.RawMessage) events.Event {
	return events.Event{Type: events.ToolUse, Tool: &events.ToolCall{ID: id, Name: name, Input: input}}
}

func toolResultEvent(id, name, output string, isError bool) events.Event {
	return events.Event{Type: events.ToolResult, Tool: &events.ToolCall{ID: id, Name: name, Output: output, IsError: isError}}
}
