package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/exec"
)

var installedCodex = InstallationStatus{Installed: true, Method: MethodPath, Path: "/usr/bin/codex"}

func TestAuthStatusCommandLoggedIn(t *testing.T) {
	fx := newFakeExec()
	fx.on("/usr/bin/codex login status", exec.Result{Stdout: "Logged in using ChatGPT\n"}, nil)

	st := newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[Codex], installedCodex)

	require.True(t, st.Authenticated)
	assert.Equal(t, SourceStatus, st.Method)
	require.NotEmpty(t, st.Signals)
	assert.Equal(t, "Logged in using ChatGPT", st.Signals[0].Detail)
}

func TestAuthFailMarkerBeatsExitCode(t *testing.T) {
	fx := newFakeExec()
	fx.on("/usr/bin/codex login status", exec.Result{Stdout: "Not logged in\n"}, nil)

	st := newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[Codex], installedCodex)

	assert.False(t, st.Authenticated)
	assert.Equal(t, "not logged in", st.Signals[0].Detail)
}

func TestAuthStatusTimeoutIsUnknown(t *testing.T) {
	host := newFakeHost()
	host.addFile("/home/dev/.codex/auth.json", `{"tokens":{"access_token":"abc"}}`)
	fx := newFakeExec()
	fx.on("/usr/bin/codex login status", exec.Result{ExitCode: -1, Canceled: true}, context.DeadlineExceeded)

	st := newTestProber(host, fx).checkAuth(context.Background(), specs[Codex], installedCodex)

	require.Len(t, st.Signals, 3)
	assert.False(t, st.Signals[0].OK)
	assert.Contains(t, st.Signals[0].Detail, "unknown")
	assert.True(t, st.Authenticated, "credential file still decides")
	assert.Equal(t, SourceCredentials, st.Method)
}

func TestAuthStatusRunErrorIsUnknown(t *testing.T) {
	fx := newFakeExec()
	fx.on("/usr/bin/codex login status", exec.Result{ExitCode: -1}, errors.New("permission denied"))

	st := newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[Codex], installedCodex)

	assert.False(t, st.Authenticated)
	assert.Equal(t, "unknown: permission denied", st.Signals[0].Detail)
}

func TestAuthStatusSkippedWhenNotInstalled(t *testing.T) {
	fx := newFakeExec()
	st := newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[Codex], InstallationStatus{})

	assert.Zero(t, fx.callCount())
	for _, sig := range st.Signals {
		assert.NotEqual(t, SourceStatus, sig.Source)
	}
}

func TestAuthStatusWithoutOKMarkers(t *testing.T) {
	fx := newFakeExec()
	fx.on("/usr/bin/opencode auth list", exec.Result{Stdout: "2 credentials\n"}, nil)
	inst := InstallationStatus{Installed: true, Path: "/usr/bin/opencode"}

	st := newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[OpenCode], inst)

	assert.True(t, st.Authenticated)
	assert.Equal(t, "status ok", st.Signals[0].Detail)

	fx.on("/usr/bin/opencode auth list", exec.Result{Stdout: "0 credentials\n"}, nil)
	st = newTestProber(newFakeHost(), fx).checkAuth(context.Background(), specs[OpenCode], inst)
	assert.False(t, st.Authenticated)
}

func TestAuthCredentialFileNeverLeaksValues(t *testing.T) {
	host := newFakeHost()
	host.addFile("/home/dev/.claude/.credentials.json", `{"claudeAiOauth":{"accessToken":"secret-token-value"}}`)

	st := newTestProber(host, newFakeExec()).checkAuth(context.Background(), specs[Claude], InstallationStatus{})

	require.True(t, st.Authenticated)
	assert.Equal(t, SourceCredentials, st.Method)
	assert.Equal(t, "~/.claude/.credentials.json:accessToken", st.Signals[0].Detail)
	for _, sig := range st.Signals {
		assert.NotContains(t, sig.Detail, "secret-token-value")
	}
}

func TestAuthCredentialFileEmptyOrInvalid(t *testing.T) {
	host := newFakeHost()
	host.addFile("/home/dev/.claude/.credentials.json", `{"claudeAiOauth":{"accessToken":""}}`)
	host.addFile("/home/dev/.claude.json", `not json`)

	st := newTestProber(host, newFakeExec()).checkAuth(context.Background(), specs[Claude], InstallationStatus{})

	assert.False(t, st.Authenticated)
	assert.Equal(t, "no credentials found", st.Signals[0].Detail)
}

func TestAuthCredentialNestedObjectCounts(t *testing.T) {
	host := newFakeHost()
	host.addFile("/home/dev/.claude.json", `{"oauthAccount":{"emailAddress":"dev@example.com"}}`)

	st := newTestProber(host, newFakeExec()).checkAuth(context.Background(), specs[Claude], InstallationStatus{})
	assert.True(t, st.Authenticated)
}

func TestAuthEnvReportsNamesOnly(t *testing.T) {
	host := newFakeHost()
	host.env["CLAUDE_CODE_OAUTH_TOKEN"] = "oauth-value"

	st := newTestProber(host, newFakeExec()).checkAuth(context.Background(), specs[Claude], InstallationStatus{})

	require.True(t, st.Authenticated)
	assert.Equal(t, SourceEnv, st.Method)
	last := st.Signals[len(st.Signals)-1]
	assert.Equal(t, "CLAUDE_CODE_OAUTH_TOKEN", last.Detail)
}

func TestAuthOllamaForOpenCode(t *testing.T) {
	p := newTestProber(newFakeHost(), newFakeExec())
	p.ollama = func(context.Context) ([]string, error) {
		return []string{"qwen2.5-coder:7b", "deepseek-r1:8b"}, nil
	}

	st := p.checkAuth(context.Background(), specs[OpenCode], InstallationStatus{})

	require.True(t, st.Authenticated)
	assert.Equal(t, SourceLocal, st.Method)
	assert.Equal(t, "ollama reachable (2 local models)", st.Signals[len(st.Signals)-1].Detail)

	p.ollama = func(context.Context) ([]string, error) { return nil, errors.New("connection refused") }
	st = p.checkAuth(context.Background(), specs[OpenCode], InstallationStatus{})
	assert.False(t, st.Authenticated)
}

func TestAuthOllamaOnlyForOpenCode(t *testing.T) {
	p := newTestProber(newFakeHost(), newFakeExec())
	p.ollama = func(context.Context) ([]string, error) { return []string{"llama3"}, nil }

	st := p.checkAuth(context.Background(), specs[Gemini], InstallationStatus{})
	assert.False(t, st.Authenticated)
}
