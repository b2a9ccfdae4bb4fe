//go:build !windows

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/events"
	"conductor/pkg/exec"
	"conductor/pkg/logx"
)

// writeAgent creates a shell script standing in for an agent CLI. It records
// its argv, one per line, in $ARGS_FILE.
func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > \"$ARGS_FILE\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newScriptConversation(t *testing.T, s *spec, body string) (*cliConversation, string) {
	t.Helper()
	argsFile := filepath.Join(t.TempDir(), "args")
	rs := RunSpec{
		SessionID:        "s1",
		WorkingDirectory: t.TempDir(),
		Model:            "claude-sonnet-4-5",
		Env:              []string{"ARGS_FILE=" + argsFile},
	}
	conv, err := newCLIConversation(s, writeAgent(t, body), exec.NewLocalExec(), rs,
		cliOptions{gracePeriod: time.Second}, logx.NewLogger("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conv.Close() })
	return conv, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

const claudeTranscript = `cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-123"}
{"type":"assistant","message":{"content":[{"type":"text","text":"Looking."},{"type":"tool_use","id":"tu1","name":"Read","input":{"file_path":"main.go"}}]},"session_id":"sess-123"}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu1","content":"package main"}]}}
garbage line

{"type":"assistant","message":{"content":[{"type":"text","text":"Done."}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Done.","session_id":"sess-123"}
EOF`

func TestCLIConversationStreamsInOrderAndResumes(t *testing.T) {
	conv, argsFile := newScriptConversation(t, specs[Claude], claudeTranscript)

	var got []events.Event
	require.NoError(t, conv.SendTurn(context.Background(), Turn{Message: "first"}, collect(&got)))

	assert.Equal(t, []events.Type{events.Text, events.ToolUse, events.ToolResult, events.Text}, eventTypes(got))
	assert.Equal(t, "sess-123", conv.ProviderSessionID())

	args := readArgs(t, argsFile)
	assert.Contains(t, args, "--session-id")
	assert.Equal(t, "first", args[len(args)-1])

	got = nil
	require.NoError(t, conv.SendTurn(context.Background(), Turn{Message: "second"}, collect(&got)))
	args = readArgs(t, argsFile)
	assert.Contains(t, strings.Join(args, " "), "--resume sess-123")
	assert.NotContains(t, args, "--session-id")
}

func TestCLIConversationNonZeroExit(t *testing.T) {
	conv, _ := newScriptConversation(t, specs[Claude], `echo '{"type":"result","subtype":"error_during_execution","is_error":true,"result":"boom"}'
echo oops >&2
exit 2`)

	err := conv.SendTurn(context.Background(), Turn{Message: "x"}, func(events.Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
}

func TestCLIConversationInBandFailure(t *testing.T) {
	conv, _ := newScriptConversation(t, specs[Claude], `echo '{"type":"result","subtype":"success","is_error":true,"result":"Invalid API key"}'`)

	err := conv.SendTurn(context.Background(), Turn{Message: "x"}, func(events.Event) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reported an error: Invalid API key")
}

func TestCLIConversationCancel(t *testing.T) {
	conv, _ := newScriptConversation(t, specs[Claude], `echo '{"type":"system","subtype":"init","session_id":"s"}'
exec sleep 30`)

	done := make(chan error, 1)
	go func() {
		done <- conv.SendTurn(context.Background(), Turn{Message: "x"}, func(events.Event) error { return nil })
	}()
	time.Sleep(200 * time.Millisecond)
	conv.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("agent process was not stopped")
	}
}

func TestCLIConversationEmitErrorStopsAgent(t *testing.T) {
	conv, _ := newScriptConversation(t, specs[Claude], `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}'
exec sleep 30`)

	gone := errors.New("subscriber gone")
	start := time.Now()
	err := conv.SendTurn(context.Background(), Turn{Message: "x"}, func(events.Event) error { return gone })
	assert.ErrorIs(t, err, gone)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCLIConversationClosed(t *testing.T) {
	conv, _ := newScriptConversation(t, specs[Claude], `true`)
	require.NoError(t, conv.Close())

	err := conv.SendTurn(context.Background(), Turn{Message: "x"}, func(events.Event) error { return nil })
	assert.ErrorContains(t, err, "closed")
}

func TestCLIConversationWritesMCPConfig(t *testing.T) {
	rs := RunSpec{MCPCommand: []string{"/usr/local/bin/conductor", "mcp", "--project", "/p"}}
	conv, err := newCLIConversation(specs[Claude], "/bin/true", exec.NewLocalExec(), rs, cliOptions{}, logx.NewLogger("test"))
	require.NoError(t, err)
	require.NotEmpty(t, conv.mcpConfig)

	data, err := os.ReadFile(conv.mcpConfig)
	require.NoError(t, err)
	var cfg mcpConfigFile
	require.NoError(t, json.Unmarshal(data, &cfg))
	entry := cfg.MCPServers["conductor"]
	assert.Equal(t, "stdio", entry.Type)
	assert.Equal(t, "/usr/local/bin/conductor", entry.Command)
	assert.Equal(t, []string{"mcp", "--project", "/p"}, entry.Args)

	path := conv.mcpConfig
	require.NoError(t, conv.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCLIConversationCodexHasNoConfigFile(t *testing.T) {
	rs := RunSpec{MCPCommand: []string{"conductor", "mcp"}}
	conv, err := newCLIConversation(specs[Codex], "/bin/true", exec.NewLocalExec(), rs, cliOptions{}, logx.NewLogger("test"))
	require.NoError(t, err)
	assert.Empty(t, conv.mcpConfig, "codex takes MCP servers as -c overrides")
}
