package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"conductor/pkg/config"
	"conductor/pkg/exec"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

// Options configures a Registry.
type Options struct {
	Executor          exec.Executor
	Providers         config.ProvidersConfig
	GracePeriod       time.Duration
	MaxToolIterations int
	Recorder          metrics.Recorder
	Logger            *logx.Logger
}

// OptionsFromConfig builds registry options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Providers:         cfg.Providers,
		GracePeriod:       cfg.Orchestrator.StopGracePeriod.Duration,
		MaxToolIterations: cfg.Orchestrator.MaxToolIterations,
	}
}

// Registry owns the variants and caches their probe results for the life of
// the process. Concurrent callers may compute the same probe twice; results are
// read-only so the last write wins harmlessly.
type Registry struct {
	opts     Options
	prober   *prober
	variants map[ID]*variant
	logger   *logx.Logger

	mu       sync.Mutex
	installs map[ID]InstallationStatus
	auths    map[ID]AuthStatus
}

// NewRegistry creates a registry over the enabled variants.
func NewRegistry(opts Options) *Registry {
	if opts.Executor == nil {
		opts.Executor = exec.NewLocalExec()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("provider")
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = config.DefaultMaxToolIterations
	}
	timeout := opts.Providers.ProbeTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultProbeTimeout
	}

	r := &Registry{
		opts:     opts,
		prober:   newHostProber(opts.Executor, timeout, opts.Providers.APIFallbackEnabled(), opts.Recorder, opts.Logger),
		variants: make(map[ID]*variant),
		logger:   opts.Logger,
		installs: make(map[ID]InstallationStatus),
		auths:    make(map[ID]AuthStatus),
	}
	disabled := make(map[string]bool, len(opts.Providers.Disabled))
	for _, id := range opts.Providers.Disabled {
		disabled[id] = true
	}
	for _, id := range IDs() {
		if disabled[string(id)] {
			continue
		}
		r.variants[id] = &variant{spec: specs[id], registry: r}
	}
	return r
}

// ParseID validates a provider id.
func ParseID(s string) (ID, error) {
	id := ID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := specs[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
	return id, nil
}

// Get returns an enabled variant.
func (r *Registry) Get(id ID) (Provider, error) {
	v, ok := r.variants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return v, nil
}

// Providers returns the enabled variants in display order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.variants))
	for _, id := range IDs() {
		if v, ok := r.variants[id]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Status detects installation and auth for one provider.
func (r *Registry) Status(ctx context.Context, id ID) (Status, error) {
	p, err := r.Get(id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Info:         p.Info(),
		Installation: p.DetectInstallation(ctx),
		Auth:         p.CheckAuth(ctx),
	}, nil
}

// Statuses reports every enabled provider. Providers are probed concurrently.
func (r *Registry) Statuses(ctx context.Context) []Status {
	providers := r.Providers()
	out := make([]Status, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			out[i] = Status{Info: p.Info(), Installation: p.DetectInstallation(ctx), Auth: p.CheckAuth(ctx)}
		}(i, p)
	}
	wg.Wait()
	return out
}

// ListModels returns the static catalog of id.
func (r *Registry) ListModels(id ID) ([]ModelDefinition, error) {
	p, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return p.Models(), nil
}

// FindModel validates model against the catalog of id.
func (r *Registry) FindModel(id ID, model string) (ModelDefinition, error) {
	if _, err := r.Get(id); err != nil {
		return ModelDefinition{}, err
	}
	return FindModel(id, model)
}

// Refresh drops cached probe results.
func (r *Registry) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installs = make(map[ID]InstallationStatus)
	r.auths = make(map[ID]AuthStatus)
}

// Verify checks the provider's API key live against its HTTP API.
func (r *Registry) Verify(ctx context.Context, id ID) error {
	v, ok := r.variants[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	if !v.spec.hasAPI() {
		return fmt.Errorf("%s has no API backend to verify", id)
	}
	key := r.prober.firstEnv(v.spec.apiKeyEnv)
	if key == "" {
		return fmt.Errorf("%w: none of %s is set", ErrNotRunnable, strings.Join(v.spec.apiKeyEnv, ", "))
	}

	ctx, cancel := context.WithTimeout(ctx, r.prober.timeout)
	defer cancel()
	chat, err := v.spec.newChat(ctx, r.prober.getenv(key))
	if err != nil {
		return err
	}
	start := time.Now()
	err = chat.verify(ctx)
	r.opts.Recorder.ObserveProbe(string(id), "verify", err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s key from %s was rejected: %w", id, key, err)
	}
	return nil
}

func (r *Registry) cachedInstall(ctx context.Context, s *spec) InstallationStatus {
	r.mu.Lock()
	st, ok := r.installs[s.id]
	r.mu.Unlock()
	if ok {
		return st
	}
	st = r.prober.detect(ctx, s)
	r.mu.Lock()
	r.installs[s.id] = st
	r.mu.Unlock()
	return st
}

func (r *Registry) cachedAuth(ctx context.Context, s *spec) AuthStatus {
	r.mu.Lock()
	st, ok := r.auths[s.id]
	r.mu.Unlock()
	if ok {
		return st
	}
	st = r.prober.checkAuth(ctx, s, r.cachedInstall(ctx, s))
	r.mu.Lock()
	r.auths[s.id] = st
	r.mu.Unlock()
	return st
}

// variant is a Provider backed by a static spec.
type variant struct {
	spec     *spec
	registry *Registry
}

func (v *variant) ID() ID {
	return v.spec.id
}

func (v *variant) Info() Info {
	return v.spec.info()
}

func (v *variant) DetectInstallation(ctx context.Context) InstallationStatus {
	return v.registry.cachedInstall(ctx, v.spec)
}

func (v *variant) CheckAuth(ctx context.Context) AuthStatus {
	return v.registry.cachedAuth(ctx, v.spec)
}

func (v *variant) Models() []ModelDefinition {
	return Catalog(v.spec.id)
}

// StartRun picks the CLI backend when the agent is installed and the API
// backend when only a key was found.
func (v *variant) StartRun(ctx context.Context, rs RunSpec) (Conversation, error) {
	def, err := ResolveModel(v.spec.id, rs.Model)
	if err != nil {
		return nil, err
	}
	rs.Model = def.ID

	inst := v.DetectInstallation(ctx)
	if !inst.Installed {
		return nil, fmt.Errorf("%w: %s is not installed", ErrNotRunnable, v.spec.id)
	}

	r := v.registry
	logger := r.logger.WithSession(rs.SessionID)
	if inst.Method == MethodAPIKey {
		key := r.prober.firstEnv(v.spec.apiKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("%w: %s API key disappeared", ErrNotRunnable, v.spec.id)
		}
		chat, err := v.spec.newChat(ctx, r.prober.getenv(key))
		if err != nil {
			return nil, err
		}
		logger.Info("Starting %s API conversation: model=%s", v.spec.id, rs.Model)
		return newAPIConversation(v.spec.id, chat, rs, def, r.opts.MaxToolIterations, logger), nil
	}

	opts := cliOptions{gracePeriod: r.opts.GracePeriod}
	if v.spec.id == Claude {
		opts.permissionMode = r.opts.Providers.PermissionMode
	}
	return newCLIConversation(v.spec, inst.Path, r.opts.Executor, rs, opts, logger)
}
