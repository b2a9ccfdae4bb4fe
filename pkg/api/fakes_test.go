package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/events"
	"conductor/pkg/features"
	"conductor/pkg/gateway"
	"conductor/pkg/metrics"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// echoProvider answers every turn with "echo: <message>".
type echoProvider struct {
	id     provider.ID
	hasAPI bool
}

func (p *echoProvider) ID() provider.ID { return p.id }

func (p *echoProvider) Info() provider.Info {
	return provider.Info{ID: p.id, DisplayName: string(p.id), Binary: string(p.id), HasAPIBackend: p.hasAPI}
}

func (p *echoProvider) DetectInstallation(context.Context) provider.InstallationStatus {
	return provider.InstallationStatus{Installed: true, Method: provider.MethodPath, Path: "/usr/bin/" + string(p.id), Version: "1.0.0"}
}

func (p *echoProvider) CheckAuth(context.Context) provider.AuthStatus {
	return provider.AuthStatus{Authenticated: true, Method: provider.SourceEnv}
}

func (p *echoProvider) Models() []provider.ModelDefinition { return provider.Catalog(p.id) }

func (p *echoProvider) StartRun(context.Context, provider.RunSpec) (provider.Conversation, error) {
	return &echoConversation{}, nil
}

type echoConversation struct{}

func (c *echoConversation) SendTurn(_ context.Context, turn provider.Turn, emit provider.EmitFunc) error {
	return emit(events.Event{Type: events.Text, Text: "echo: " + turn.Message})
}

func (c *echoConversation) Cancel()                   {}
func (c *echoConversation) ProviderSessionID() string { return "echo-session" }
func (c *echoConversation) Close() error              { return nil }

// fakeRegistry serves both the orchestrator and the Service.
type fakeRegistry struct {
	providers map[provider.ID]*echoProvider

	mu        sync.Mutex
	refreshed int
	verified  []provider.ID
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{providers: map[provider.ID]*echoProvider{
		provider.Claude: {id: provider.Claude, hasAPI: true},
		provider.Cursor: {id: provider.Cursor},
	}}
}

func (r *fakeRegistry) Get(id provider.ID) (provider.Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, id)
	}
	return p, nil
}

func (r *fakeRegistry) Providers() []provider.Provider {
	var out []provider.Provider
	for _, id := range provider.IDs() {
		if p, ok := r.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *fakeRegistry) Status(ctx context.Context, id provider.ID) (provider.Status, error) {
	p, err := r.Get(id)
	if err != nil {
		return provider.Status{}, err
	}
	return provider.Status{Info: p.Info(), Installation: p.DetectInstallation(ctx), Auth: p.CheckAuth(ctx)}, nil
}

func (r *fakeRegistry) Statuses(ctx context.Context) []provider.Status {
	var out []provider.Status
	for _, p := range r.Providers() {
		st, _ := r.Status(ctx, p.ID())
		out = append(out, st)
	}
	return out
}

func (r *fakeRegistry) ListModels(id provider.ID) ([]provider.ModelDefinition, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return p.Models(), nil
}

func (r *fakeRegistry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed++
}

func (r *fakeRegistry) Verify(_ context.Context, id provider.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = append(r.verified, id)
	return errors.New("401 invalid x-api-key")
}

type testEnv struct {
	svc      *Service
	sessions *session.SQLiteStore
	orch     *orchestrator.Orchestrator
	registry *fakeRegistry
	recorder *metrics.PrometheusRecorder
	project  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := session.OpenSQLite(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder := metrics.NewPrometheusRecorder()
	registry := newFakeRegistry()
	featureStore := features.NewStore(features.Options{AutoRestoreEmpty: true, Recorder: recorder})
	gw := gateway.New(featureStore, nil)

	orch, err := orchestrator.New(orchestrator.Options{
		Providers: registry,
		Sessions:  store,
		Gateway:   gw,
		Recorder:  recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	svc := NewService(Options{
		Sessions:     store,
		Orchestrator: orch,
		Providers:    registry,
		Gateway:      gw,
		DefaultTags:  []string{"conductor"},
	})
	return &testEnv{svc: svc, sessions: store, orch: orch, registry: registry, recorder: recorder, project: t.TempDir()}
}

func (e *testEnv) createSession(t *testing.T, name string) *session.Session {
	t.Helper()
	resp := e.svc.CreateSession(context.Background(), CreateSessionRequest{Name: name, ProjectPath: e.project})
	require.True(t, resp.Success, "create failed: %+v", resp.Error)
	return resp.Data.(*session.Session)
}

const featureFixture = `[
  {"featureId": "f1", "status": "backlog", "summary": "login", "category": "auth"},
  {"featureId": "f2", "status": "verified", "summary": "logout"}
]`

func (e *testEnv) writeFeatures(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(e.project, ".conductor", "features.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
