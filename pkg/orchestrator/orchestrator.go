// Package orchestrator drives one agent conversation per session.
//
// Each session has at most one run. A run is started explicitly or by the first
// Send, stays running across turns, and ends on Stop, Clear, or a provider
// failure. Events for a session are published on the events bus in the order
// the provider produced them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

var (
	// ErrAlreadyRunning is returned by Start when the session already has a run.
	ErrAlreadyRunning = errors.New("conversation already running")
	// ErrBusy is returned by Send while a turn is in flight or the run is stopping.
	ErrBusy = errors.New("conversation busy")
	// ErrProviderUnavailable means the session's provider is unknown, disabled or not installed.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrUnauthenticated means the provider is installed but no credentials were found.
	ErrUnauthenticated = errors.New("provider not authenticated")
	// ErrUnsupportedModel means the model is not in the provider's catalog or lacks tool use.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrRunFailed wraps a provider failure while starting a run.
	ErrRunFailed = errors.New("run failed")

	errRunEnded = errors.New("run ended")
)

// Providers resolves provider variants. *provider.Registry implements it.
type Providers interface {
	Get(id provider.ID) (provider.Provider, error)
}

// Options configures an Orchestrator.
type Options struct {
	Providers Providers
	Sessions  session.Store
	// Bus is created from the config defaults when nil.
	Bus *events.Bus
	// Gateway gives API-backed runs the feature status tool.
	Gateway *gateway.Gateway
	// Guard flags agent writes to the feature list.
	Guard *gateway.Guard
	// MCPCommand returns the command that serves the gateway over MCP for a project.
	MCPCommand func(projectPath string) []string

	DefaultProvider string
	TurnTimeout     time.Duration
	Recorder        metrics.Recorder
	Logger          *logx.Logger
}

// OptionsFromConfig fills the config-derived fields of Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultProvider: cfg.Providers.DefaultProvider,
		TurnTimeout:     cfg.Orchestrator.TurnTimeout.Duration,
	}
}

// Orchestrator owns the runs of every session.
type Orchestrator struct {
	opts    Options
	bus     *events.Bus
	ownsBus bool
	logger  *logx.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an Orchestrator. Providers and Sessions are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Providers == nil {
		return nil, errors.New("orchestrator: providers are required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("orchestrator: session store is required")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("orchestrator")
	}
	o := &Orchestrator{
		opts:   opts,
		bus:    opts.Bus,
		logger: opts.Logger,
		runs:   make(map[string]*run),
	}
	if o.bus == nil {
		o.bus = events.NewBus(events.Buffer, config.DefaultSubscriberBuffer, opts.Recorder)
		o.ownsBus = true
	}
	return o, nil
}

// RunHandle identifies a started run.
type RunHandle struct {
	SessionID string
	RunID     string
	Provider  provider.ID
	Model     string
	StartedAt time.Time
	// Started is the published run_started event. Subscriptions taken from the
	// handle begin after it; observers that need it in-stream subscribe with
	// Orchestrator.Subscribe before calling Start.
	Started events.Event

	bus  *events.Bus
	done <-chan struct{}
}

// Subscribe returns a subscription to the session's events that follow Started.
func (h *RunHandle) Subscribe() *events.Subscription {
	return h.bus.Subscribe(h.SessionID)
}

// Done is closed when the run has ended.
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// RunStatus is a snapshot of a session's run.
type RunStatus struct {
	State     State       `json:"state"`
	RunID     string      `json:"runId,omitempty"`
	Provider  provider.ID `json:"provider,omitempty"`
	Model     string      `json:"model,omitempty"`
	InTurn    bool        `json:"inTurn"`
	StartedAt time.Time   `json:"startedAt,omitempty"`
}

// SendRequest is one user message.
type SendRequest struct {
	Message string
	Images  []string
	// Model overrides the session model for this turn.
	Model string
}

// Status reports the run state of sessionID. Sessions without a run are idle.
func (o *Orchestrator) Status(sessionID string) RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	if !ok {
		return RunStatus{State: StateIdle}
	}
	return RunStatus{
		State:     r.state,
		RunID:     r.id,
		Provider:  r.providerID,
		Model:     r.model,
		InTurn:    r.inTurn || r.starting,
		StartedAt: r.startedAt,
	}
}

// Subscribe returns a subscription to sessionID's events.
func (o *Orchestrator) Subscribe(sessionID string) *events.Subscription {
	return o.bus.Subscribe(sessionID)
}

// Start begins a run for sessionID. workingDirectory overrides and updates the
// session's working directory when set.
func (o *Orchestrator) Start(ctx context.Context, sessionID, workingDirectory string) (*RunHandle, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.New().String(),
		sessionID: sessionID,
		state:     StateIdle,
		starting:  true,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    o.logger.WithSession(sessionID),
	}

	// The run is registered as running before preflight so a second Start
	// is rejected instead of racing it.
	o.mu.Lock()
	if existing, ok := o.runs[sessionID]; ok && existing.state != StateIdle {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: session %s is %s", ErrAlreadyRunning, sessionID, existing.state)
	}
	o.move(r, StateRunning)
	o.runs[sessionID] = r
	o.mu.Unlock()

	conv, err := o.launch(ctx, r, workingDirectory)

	o.mu.Lock()
	if conv != nil {
		r.conv = conv
	}
	stopping := r.state == StateStopping
	if err == nil && !stopping {
		r.starting = false
		r.startedAt = time.Now()
		r.counted = true
	}
	providerID, model, startedAt := r.providerID, r.model, r.startedAt
	o.mu.Unlock()

	switch {
	case stopping:
		o.finish(r, metrics.OutcomeStopped, &events.Event{Type: events.Stopped, Text: "stopped during start", Terminal: true})
		return nil, fmt.Errorf("%w: stopped during start", context.Canceled)
	case err != nil:
		o.finish(r, "", nil)
		return nil, err
	}

	o.opts.Recorder.RunStarted(string(providerID))
	started, err := o.publish(r, events.Event{
		Type: events.RunStarted,
		Text: fmt.Sprintf("%s run started", providerID),
		Meta: map[string]string{"provider": string(providerID), "model": model},
	})
	if err != nil {
		o.finish(r, metrics.OutcomeError, nil)
		return nil, fmt.Errorf("%w: %v", ErrRunFailed, err)
	}
	return &RunHandle{
		SessionID: sessionID,
		RunID:     r.id,
		Provider:  providerID,
		Model:     model,
		StartedAt: startedAt,
		Started:   started,
		bus:       o.bus,
		done:      r.done,
	}, nil
}

// launch runs preflight checks and starts the provider conversation.
func (o *Orchestrator) launch(ctx context.Context, r *run, workingDirectory string) (provider.Conversation, error) {
	sess, err := o.opts.Sessions.Get(ctx, r.sessionID)
	if err != nil {
		return nil, err
	}
	if workingDirectory != "" && workingDirectory != sess.WorkingDirectory {
		if sess, err = o.opts.Sessions.Update(ctx, r.sessionID, session.Patch{WorkingDirectory: &workingDirectory}); err != nil {
			return nil, err
		}
	}

	p, err := o.resolveProvider(sess)
	if err != nil {
		return nil, err
	}
	def, err := checkModel(p.ID(), sess.Model, sess.RequiresTools)
	if err != nil {
		return nil, err
	}

	inst := p.DetectInstallation(ctx)
	if !inst.Installed {
		return nil, fmt.Errorf("%w: %s is not installed", ErrProviderUnavailable, p.ID())
	}
	auth := p.CheckAuth(ctx)
	if !auth.Authenticated {
		return nil, fmt.Errorf("%w: %s has no usable credentials", ErrUnauthenticated, p.ID())
	}

	history, err := o.opts.Sessions.Messages(ctx, r.sessionID)
	if err != nil {
		return nil, err
	}

	workdir := sess.WorkingDirectory
	if workdir == "" {
		workdir = sess.ProjectPath
	}
	rs := provider.RunSpec{
		SessionID:        r.sessionID,
		RunID:            r.id,
		WorkingDirectory: workdir,
		ProjectPath:      sess.ProjectPath,
		Model:            def.ID,
		ResumeID:         sess.ProviderSessionID,
		History:          history,
	}
	if o.opts.Gateway != nil && sess.ProjectPath != "" {
		rs.Tool = o.opts.Gateway.Bind(sess.ProjectPath)
	}
	if o.opts.MCPCommand != nil && sess.ProjectPath != "" && p.Info().SupportsMCP {
		rs.MCPCommand = o.opts.MCPCommand(sess.ProjectPath)
	}
	if o.opts.Guard != nil {
		rs.DisallowedTools = o.opts.Guard.DisallowedToolRules()
	}

	o.mu.Lock()
	r.providerID = p.ID()
	r.model = def.ID
	r.resumeID = sess.ProviderSessionID
	o.mu.Unlock()

	r.logger.Info("Starting %s run %s: model=%s method=%s dir=%s", p.ID(), r.id, def.ID, inst.Method, workdir)
	conv, err := p.StartRun(r.ctx, rs)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNotRunnable):
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		case errors.Is(err, provider.ErrUnsupportedModel):
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedModel, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrRunFailed, err)
	}
	return conv, nil
}

func (o *Orchestrator) resolveProvider(sess *session.Session) (provider.Provider, error) {
	name := sess.Provider
	if name == "" {
		name = o.opts.DefaultProvider
	}
	if name == "" {
		name = string(provider.Claude)
	}
	id, err := provider.ParseID(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	p, err := o.opts.Providers.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return p, nil
}

// checkModel resolves model in the catalog of id and enforces tool support.
func checkModel(id provider.ID, model string, requiresTools bool) (provider.ModelDefinition, error) {
	def, err := provider.ResolveModel(id, model)
	if err != nil {
		return provider.ModelDefinition{}, fmt.Errorf("%w: %v", ErrUnsupportedModel, err)
	}
	if requiresTools && !def.SupportsTools {
		return provider.ModelDefinition{}, fmt.Errorf("%w: %s does not support tool use", ErrUnsupportedModel, def.ID)
	}
	return def, nil
}

// Send appends a user message and starts a turn. An idle session is started
// first. The turn runs in the background; its output arrives as events.
func (o *Orchestrator) Send(ctx context.Context, sessionID string, req SendRequest) (*session.Message, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", session.ErrValidation)
	}

	r, current, err := o.acquireTurn(sessionID)
	if errors.Is(err, errNoRun) {
		if _, err = o.Start(ctx, sessionID, ""); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				return nil, fmt.Errorf("%w: session %s is starting", ErrBusy, sessionID)
			}
			return nil, err
		}
		r, current, err = o.acquireTurn(sessionID)
	}
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = current
	} else {
		sess, err := o.opts.Sessions.Get(ctx, sessionID)
		if err != nil {
			o.releaseTurn(r)
			return nil, err
		}
		def, err := checkModel(r.providerID, model, sess.RequiresTools)
		if err != nil {
			o.releaseTurn(r)
			return nil, err
		}
		model = def.ID
	}

	msg, err := o.opts.Sessions.AppendMessage(ctx, sessionID, session.Message{
		Role:    session.RoleUser,
		Content: req.Message,
		Images:  req.Images,
	})
	if err != nil {
		o.releaseTurn(r)
		return nil, err
	}
	if _, err := o.publish(r, events.Event{Type: events.UserMessage, Text: req.Message}); err != nil {
		o.releaseTurn(r)
		return nil, err
	}

	go o.runTurn(r, provider.Turn{Message: req.Message, Images: req.Images, Model: model})
	return msg, nil
}

var errNoRun = errors.New("no run")

// acquireTurn marks the session's run as in a turn and returns the run's
// model as of that moment; SetModel may change r.model once o.mu is released.
func (o *Orchestrator) acquireTurn(sessionID string) (*run, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[sessionID]
	switch {
	case !ok || r.state == StateIdle:
		return nil, "", errNoRun
	case r.state == StateStopping:
		return nil, "", fmt.Errorf("%w: session %s is stopping", ErrBusy, sessionID)
	case r.starting || r.inTurn:
		return nil, "", fmt.Errorf("%w: session %s has a turn in flight", ErrBusy, sessionID)
	}
	r.inTurn = true
	r.turnDone = make(chan struct{})
	return r, r.model, nil
}

func (o *Orchestrator) releaseTurn(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r.inTurn = false
	close(r.turnDone)
}

// Stop cancels the session's run and waits for it to end. Stopping an idle
// session succeeds without doing anything.
func (o *Orchestrator) Stop(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	if !ok || r.state == StateIdle {
		o.mu.Unlock()
		return nil
	}
	if r.state == StateStopping {
		o.mu.Unlock()
		o.wait(ctx, r.done, r)
		return nil
	}
	o.move(r, StateStopping)
	conv, inTurn, turnDone, starting := r.conv, r.inTurn, r.turnDone, r.starting
	o.mu.Unlock()

	r.cancel()
	if conv != nil {
		conv.Cancel()
	}
	if starting {
		// Start sees the stopping state when launch returns and finishes the run.
		o.wait(ctx, r.done, r)
		return nil
	}
	if inTurn {
		o.wait(ctx, turnDone, r)
	}
	o.finish(r, metrics.OutcomeStopped, &events.Event{Type: events.Stopped, Text: "stopped", Terminal: true})
	return nil
}

func (o *Orchestrator) wait(ctx context.Context, ch <-chan struct{}, r *run) {
	select {
	case <-ch:
	case <-ctx.Done():
		r.logger.Warn("Gave up waiting for run %s to stop: %v", r.id, ctx.Err())
	}
}

// Clear stops any run and drops the provider resume pointer so the next run
// starts a fresh provider conversation. Persisted messages are deleted only
// when purge is set; it returns how many were deleted.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string, purge bool) (int, error) {
	if err := o.Stop(ctx, sessionID); err != nil {
		return 0, err
	}
	empty := ""
	if _, err := o.opts.Sessions.Update(ctx, sessionID, session.Patch{ProviderSessionID: &empty}); err != nil {
		return 0, err
	}
	if !purge {
		return 0, nil
	}
	n, err := o.opts.Sessions.DeleteMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	o.logger.WithSession(sessionID).Info("Cleared session: %d messages deleted", n)
	return n, nil
}

// SetModel validates model against the session's provider and stores it. A
// running session uses it from its next turn.
func (o *Orchestrator) SetModel(ctx context.Context, sessionID, model string) (*session.Session, error) {
	sess, err := o.opts.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	p, err := o.resolveProvider(sess)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrUnsupportedModel)
	}
	def, err := checkModel(p.ID(), model, sess.RequiresTools)
	if err != nil {
		return nil, err
	}
	updated, err := o.opts.Sessions.Update(ctx, sessionID, session.Patch{Model: &def.ID})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if r, ok := o.runs[sessionID]; ok && r.providerID == p.ID() {
		r.model = def.ID
	}
	o.mu.Unlock()
	return updated, nil
}

// History returns the session's messages in arrival order.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]session.Message, error) {
	msgs, err := o.opts.Sessions.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	return msgs, nil
}

// Shutdown stops every run and closes the subscriptions.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.runs))
	for id := range o.runs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = o.Stop(ctx, id)
		}(id)
	}
	wg.Wait()

	if o.ownsBus {
		o.bus.Close()
	}
	o.logger.Info("Orchestrator shut down (%d runs stopped)", len(ids))
	return ctx.Err()
}
