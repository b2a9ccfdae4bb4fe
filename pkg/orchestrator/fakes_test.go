package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conductor/pkg/events"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// turnScript plays one turn of a fake conversation.
type turnScript func(ctx context.Context, c *fakeConversation, turn provider.Turn, emit provider.EmitFunc) error

func echoScript(_ context.Context, _ *fakeConversation, turn provider.Turn, emit provider.EmitFunc) error {
	return emit(events.Event{Type: events.Text, Text: "echo: " + turn.Message})
}

// blockScript waits until the turn is cancelled.
func blockScript(ctx context.Context, c *fakeConversation, _ provider.Turn, emit provider.EmitFunc) error {
	if err := emit(events.Event{Type: events.Text, Text: "working"}); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.cancelCh:
		return context.Canceled
	}
}

type fakeProviders struct {
	providers map[provider.ID]*fakeProvider
}

func (f *fakeProviders) Get(id provider.ID) (provider.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, id)
	}
	return p, nil
}

type fakeProvider struct {
	id            provider.ID
	installed     bool
	authenticated bool
	startErr      error
	// gate, when set, holds DetectInstallation until closed.
	gate chan struct{}

	mu     sync.Mutex
	script turnScript
	specs  []provider.RunSpec
	convs  []*fakeConversation
}

func newFakeProvider(id provider.ID) *fakeProvider {
	return &fakeProvider{id: id, installed: true, authenticated: true, script: echoScript}
}

func (p *fakeProvider) ID() provider.ID { return p.id }

func (p *fakeProvider) Info() provider.Info {
	return provider.Info{ID: p.id, DisplayName: string(p.id), Binary: string(p.id), SupportsMCP: true, Resumable: true}
}

func (p *fakeProvider) DetectInstallation(context.Context) provider.InstallationStatus {
	if p.gate != nil {
		<-p.gate
	}
	if !p.installed {
		return provider.InstallationStatus{CheckedAt: time.Now()}
	}
	return provider.InstallationStatus{Installed: true, Method: provider.MethodPath, Path: "/usr/bin/" + string(p.id)}
}

func (p *fakeProvider) CheckAuth(context.Context) provider.AuthStatus {
	if !p.authenticated {
		return provider.AuthStatus{}
	}
	return provider.AuthStatus{Authenticated: true, Method: provider.SourceEnv}
}

func (p *fakeProvider) Models() []provider.ModelDefinition {
	return provider.Catalog(p.id)
}

func (p *fakeProvider) StartRun(_ context.Context, rs provider.RunSpec) (provider.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	p.specs = append(p.specs, rs)
	c := &fakeConversation{
		p:        p,
		id:       fmt.Sprintf("prov-%d", len(p.convs)+1),
		cancelCh: make(chan struct{}),
	}
	p.convs = append(p.convs, c)
	return c, nil
}

func (p *fakeProvider) setScript(s turnScript) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = s
}

func (p *fakeProvider) runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.convs)
}

func (p *fakeProvider) lastSpec() provider.RunSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specs[len(p.specs)-1]
}

func (p *fakeProvider) lastConv() *fakeConversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convs[len(p.convs)-1]
}

type fakeConversation struct {
	p        *fakeProvider
	id       string
	cancelCh chan struct{}

	mu         sync.Mutex
	turns      []provider.Turn
	cancelOnce sync.Once
	canceled   bool
	closed     bool
}

func (c *fakeConversation) SendTurn(ctx context.Context, turn provider.Turn, emit provider.EmitFunc) error {
	c.mu.Lock()
	c.turns = append(c.turns, turn)
	c.mu.Unlock()

	c.p.mu.Lock()
	script := c.p.script
	c.p.mu.Unlock()
	return script(ctx, c, turn, emit)
}

func (c *fakeConversation) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

func (c *fakeConversation) ProviderSessionID() string { return c.id }

func (c *fakeConversation) Close() error {
	c.Cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConversation) state() (turns []provider.Turn, canceled, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]provider.Turn(nil), c.turns...), c.canceled, c.closed
}

type fixture struct {
	o       *Orchestrator
	store   *session.SQLiteStore
	fake    *fakeProvider
	session *session.Session
	project string
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	store, err := session.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := newFakeProvider(provider.Claude)
	opts := Options{
		Providers: &fakeProviders{providers: map[provider.ID]*fakeProvider{provider.Claude: fake}},
		Sessions:  store,
	}
	if configure != nil {
		configure(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	project := t.TempDir()
	sess, err := store.Create(context.Background(), session.CreateParams{
		Name:        "test",
		ProjectPath: project,
		Provider:    string(provider.Claude),
	})
	require.NoError(t, err)
	return &fixture{o: o, store: store, fake: fake, session: sess, project: project}
}

// until reads sub until an event satisfying stop arrives and returns everything read.
func until(t *testing.T, sub *events.Subscription, stop func(events.Event) bool) []events.Event {
	t.Helper()
	var got []events.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return got
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event; got %d events", len(got))
			return got
		}
	}
}

func endsTurn(ev events.Event) bool { return ev.EndsTurn() }

func isTerminal(ev events.Event) bool { return ev.Terminal }

func types(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}
