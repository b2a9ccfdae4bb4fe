package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/events"
	"conductor/pkg/features"
	"conductor/pkg/gateway"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("get: %w", session.ErrNotFound), CodeNotFound},
		{fmt.Errorf("%w: name is required", session.ErrValidation), CodeValidation},
		{orchestrator.ErrAlreadyRunning, CodeAlreadyRunning},
		{fmt.Errorf("%w: turn in flight", orchestrator.ErrBusy), CodeBusy},
		{orchestrator.ErrProviderUnavailable, CodeProviderUnavailable},
		{orchestrator.ErrUnauthenticated, CodeUnauthenticated},
		{orchestrator.ErrUnsupportedModel, CodeUnsupportedModel},
		{provider.ErrUnsupportedModel, CodeUnsupportedModel},
		{fmt.Errorf("%w: not an array", features.ErrCorruptState), CodeCorruptState},
		{features.ErrEmptyWriteRefused, CodeEmptyWriteRefused},
		{fmt.Errorf("%w: f9", features.ErrFeatureNotFound), CodeFeatureNotFound},
		{features.ErrInvalidStatus, CodeValidation},
		{features.ErrLocked, CodeBusy},
		{&Error{Code: CodeBusy, Message: "x"}, CodeBusy},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), tt.err.Error())
	}
}

func TestFailCarriesMessage(t *testing.T) {
	resp := Fail(fmt.Errorf("%w: abc", session.ErrNotFound))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.Equal(t, "session not found: abc", resp.Error.Message)
	assert.True(t, IsCode(resp, CodeNotFound))
	assert.NoError(t, OK(nil).Err())
}

func TestSessionCRUD(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.svc.CreateSession(ctx, CreateSessionRequest{Name: "  "})
	assert.True(t, IsCode(resp, CodeValidation))
	resp = env.svc.CreateSession(ctx, CreateSessionRequest{Name: "x", Provider: "aider"})
	assert.True(t, IsCode(resp, CodeValidation))
	resp = env.svc.CreateSession(ctx, CreateSessionRequest{Name: "x", Model: "gpt-5-codex"})
	assert.True(t, IsCode(resp, CodeUnsupportedModel), "default provider is claude")

	resp = env.svc.CreateSession(ctx, CreateSessionRequest{
		Name: "feature work", ProjectPath: env.project, Model: "Claude-Opus-4-1", Tags: []string{"backend"},
	})
	require.True(t, resp.Success)
	sess := resp.Data.(*session.Session)
	assert.Equal(t, "claude", sess.Provider)
	assert.Equal(t, "claude-opus-4-1", sess.Model)
	assert.ElementsMatch(t, []string{"conductor", "backend"}, sess.Tags)

	name := "renamed"
	model := "claude-haiku-4-5"
	resp = env.svc.UpdateSession(ctx, UpdateSessionRequest{ID: sess.ID, Name: &name, Model: &model})
	require.True(t, resp.Success)
	updated := resp.Data.(*session.Session)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "claude-haiku-4-5", updated.Model)

	bad := "o4-mini"
	resp = env.svc.UpdateSession(ctx, UpdateSessionRequest{ID: sess.ID, Model: &bad})
	assert.True(t, IsCode(resp, CodeUnsupportedModel))

	resp = env.svc.ArchiveSession(ctx, sess.ID)
	require.True(t, resp.Success)
	list := env.svc.ListSessions(ctx, ListSessionsRequest{}).Data.([]session.Summary)
	assert.Empty(t, list)
	list = env.svc.ListSessions(ctx, ListSessionsRequest{IncludeArchived: true}).Data.([]session.Summary)
	require.Len(t, list, 1)
	assert.True(t, list[0].Archived)

	require.True(t, env.svc.UnarchiveSession(ctx, sess.ID).Success)
	assert.Len(t, env.svc.ListSessions(ctx, ListSessionsRequest{}).Data.([]session.Summary), 1)

	require.True(t, env.svc.DeleteSession(ctx, sess.ID).Success)
	assert.True(t, IsCode(env.svc.GetSession(ctx, sess.ID), CodeNotFound))
	assert.True(t, IsCode(env.svc.DeleteSession(ctx, sess.ID), CodeNotFound))
	assert.True(t, IsCode(env.svc.ArchiveSession(ctx, "01NOPE"), CodeNotFound))
}

func TestConversationControl(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.createSession(t, "chat")
	sub := env.svc.Subscribe(sess.ID)
	defer sub.Close()

	resp := env.svc.Send(ctx, SendRequest{SessionID: sess.ID, Message: ""})
	assert.True(t, IsCode(resp, CodeValidation))

	resp = env.svc.Send(ctx, SendRequest{SessionID: sess.ID, Message: "hello"})
	require.True(t, resp.Success, "%+v", resp.Error)
	assert.Equal(t, "hello", resp.Data.(*session.Message).Content)
	waitTurn(t, sub)

	history := env.svc.History(ctx, sess.ID).Data.([]session.Message)
	require.Len(t, history, 2)
	assert.Equal(t, "echo: hello", history[1].Content)

	assert.True(t, IsCode(env.svc.Start(ctx, StartRequest{SessionID: sess.ID}), CodeAlreadyRunning))
	status := env.svc.RunStatus(ctx, sess.ID).Data.(orchestrator.RunStatus)
	assert.Equal(t, orchestrator.StateRunning, status.State)

	resp = env.svc.Stop(ctx, sess.ID)
	require.True(t, resp.Success)
	assert.Equal(t, orchestrator.StateIdle, resp.Data.(orchestrator.RunStatus).State)
	assert.True(t, env.svc.Stop(ctx, sess.ID).Success, "stop is idempotent")

	resp = env.svc.Clear(ctx, ClearRequest{SessionID: sess.ID, Purge: true})
	require.True(t, resp.Success)
	assert.Equal(t, 2, resp.Data.(ClearResult).DeletedMessages)
	assert.Empty(t, env.svc.History(ctx, sess.ID).Data.([]session.Message))

	resp = env.svc.Start(ctx, StartRequest{SessionID: sess.ID, WorkingDirectory: env.project})
	require.True(t, resp.Success)
	info := resp.Data.(RunInfo)
	assert.Equal(t, provider.Claude, info.Provider)
	assert.Equal(t, "claude-sonnet-4-5", info.Model)

	assert.True(t, IsCode(env.svc.Stop(ctx, "01NOPE"), CodeNotFound))
	assert.True(t, IsCode(env.svc.RunStatus(ctx, "01NOPE"), CodeNotFound))
	assert.True(t, IsCode(env.svc.SetModel(ctx, sess.ID, "gpt-5"), CodeUnsupportedModel))
}

func waitTurn(t *testing.T, sub *events.Subscription) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "stream closed before the turn ended")
			if ev.EndsTurn() {
				require.Equal(t, events.TurnComplete, ev.Type, "turn failed: %s", ev.Error)
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for turn_complete")
		}
	}
}

func TestProvidersAndModels(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	resp := env.svc.ListModels(ctx, "")
	require.True(t, resp.Success)
	all := resp.Data.([]ProviderModels)
	require.Len(t, all, 2)
	assert.Equal(t, provider.Claude, all[0].Provider)
	assert.Equal(t, provider.Cursor, all[1].Provider)
	assert.NotEmpty(t, all[0].Models)

	assert.True(t, IsCode(env.svc.ListModels(ctx, "aider"), CodeValidation))
	assert.True(t, IsCode(env.svc.ListModels(ctx, "gemini"), CodeValidation), "disabled providers are unknown")

	resp = env.svc.ProviderStatus(ctx, ProviderStatusRequest{Refresh: true, Verify: true})
	require.True(t, resp.Success)
	reports := resp.Data.([]ProviderReport)
	require.Len(t, reports, 2)
	assert.True(t, reports[0].Installation.Installed)
	require.NotNil(t, reports[0].Verified)
	assert.False(t, *reports[0].Verified)
	assert.Contains(t, reports[0].VerifyError, "invalid x-api-key")
	assert.Nil(t, reports[1].Verified, "cursor has no API backend to verify")
	assert.Equal(t, 1, env.registry.refreshed)
	assert.Equal(t, []provider.ID{provider.Claude}, env.registry.verified)

	resp = env.svc.ProviderStatus(ctx, ProviderStatusRequest{Provider: "cursor"})
	require.True(t, resp.Success)
	assert.Len(t, resp.Data.([]ProviderReport), 1)
}

func TestFeatureGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.True(t, IsCode(env.svc.ListFeatures(ctx, ""), CodeValidation))
	resp := env.svc.ListFeatures(ctx, env.project)
	require.True(t, resp.Success)
	assert.Empty(t, resp.Data.([]features.Feature))

	path := env.writeFeatures(t, featureFixture)
	summary := "login works"
	resp = env.svc.UpdateFeatureStatus(ctx, UpdateFeatureRequest{
		ProjectPath: env.project, FeatureID: "f1", Status: "in_progress", Summary: &summary,
	})
	require.True(t, resp.Success, "%+v", resp.Error)
	out := resp.Data.(gateway.UpdateOutput)
	assert.Equal(t, "in_progress", out.Status)
	assert.Equal(t, 2, out.Count)
	assert.False(t, out.Restored)

	list := env.svc.ListFeatures(ctx, env.project).Data.([]features.Feature)
	require.Len(t, list, 2)
	assert.Equal(t, features.Status("in_progress"), list[0].Status)
	assert.Equal(t, "login works", list[0].Summary)

	resp = env.svc.UpdateFeatureStatus(ctx, UpdateFeatureRequest{ProjectPath: env.project, FeatureID: "f9", Status: "verified"})
	assert.True(t, IsCode(resp, CodeFeatureNotFound))
	resp = env.svc.UpdateFeatureStatus(ctx, UpdateFeatureRequest{ProjectPath: env.project, FeatureID: "f1", Status: "done"})
	assert.True(t, IsCode(resp, CodeValidation))

	env.writeFeatures(t, `{"featureId":"f1"}`)
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	resp = env.svc.UpdateFeatureStatus(ctx, UpdateFeatureRequest{ProjectPath: env.project, FeatureID: "f1", Status: "verified"})
	assert.True(t, IsCode(resp, CodeCorruptState))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a refused write leaves the file untouched")

	resp = env.svc.RejectFeatureWrite("PUT /api/features")
	assert.True(t, IsCode(resp, CodeValidation))
	assert.Contains(t, resp.Error.Message, gateway.ToolUpdateFeatureStatus)
}

func TestFeatureGatewayRestoresEmptyList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := env.writeFeatures(t, `[]`)
	require.NoError(t, os.WriteFile(path+".backup", []byte(`[{"featureId":"f1","status":"backlog"},{"featureId":"f2","status":"backlog"}]`), 0o644))

	resp := env.svc.UpdateFeatureStatus(ctx, UpdateFeatureRequest{ProjectPath: env.project, FeatureID: "f1", Status: "in_progress"})
	require.True(t, resp.Success, "%+v", resp.Error)
	out := resp.Data.(gateway.UpdateOutput)
	assert.True(t, out.Restored)
	assert.Equal(t, 2, out.Count)
}
