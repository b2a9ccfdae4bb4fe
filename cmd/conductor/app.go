package main

import (
	"context"
	"os"
	"strings"

	"conductor/pkg/api"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/features"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/orchestrator"
	"conductor/pkg/provider"
	"conductor/pkg/session"
)

// app wires every component for one CLI invocation.
type app struct {
	cfg      *config.Config
	recorder *metrics.PrometheusRecorder
	sessions *session.SQLiteStore
	registry *provider.Registry
	features *features.Store
	gateway  *gateway.Gateway
	bus      *events.Bus
	orch     *orchestrator.Orchestrator
	svc      *api.Service
	logger   *logx.Logger
}

// newApp opens the session database and builds the service graph.
func newApp(cfg *config.Config, configPath string) (*app, error) {
	logger := logx.NewLogger("conductor")
	recorder := metrics.NewPrometheusRecorder()
	var rec metrics.Recorder = recorder
	if !cfg.Metrics.IsEnabled() {
		rec = metrics.Nop{}
	}

	sessions, err := session.OpenSQLite(cfg.DBPath(), session.WithPreviewChars(cfg.Sessions.PreviewChars))
	if err != nil {
		return nil, logx.Wrap(err, "failed to open session store")
	}

	regOpts := provider.OptionsFromConfig(cfg)
	regOpts.Recorder = rec
	registry := provider.NewRegistry(regOpts)

	featOpts := features.OptionsFromConfig(cfg.Features)
	featOpts.Recorder = rec
	featureStore := features.NewStore(featOpts)
	gw := gateway.New(featureStore, nil)

	policy := events.Buffer
	if cfg.Orchestrator.Backpressure == config.BackpressureBlock {
		policy = events.Block
	}
	bus := events.NewBus(policy, cfg.Orchestrator.SubscriberBuffer, rec)

	orchOpts := orchestrator.OptionsFromConfig(cfg)
	orchOpts.Providers = registry
	orchOpts.Sessions = sessions
	orchOpts.Bus = bus
	orchOpts.Gateway = gw
	orchOpts.Guard = gateway.NewGuard(featOpts.File, featOpts.BackupSuffix)
	orchOpts.MCPCommand = mcpCommand(configPath)
	orchOpts.Recorder = rec
	orch, err := orchestrator.New(orchOpts)
	if err != nil {
		_ = sessions.Close()
		return nil, err
	}

	svc := api.NewService(api.Options{
		Sessions:        sessions,
		Orchestrator:    orch,
		Providers:       registry,
		Gateway:         gw,
		DefaultProvider: cfg.Providers.DefaultProvider,
		DefaultTags:     cfg.Sessions.DefaultTags,
	})

	return &app{
		cfg:      cfg,
		recorder: recorder,
		sessions: sessions,
		registry: registry,
		features: featureStore,
		gateway:  gw,
		bus:      bus,
		orch:     orch,
		svc:      svc,
		logger:   logger,
	}, nil
}

// close stops every run, then closes the event bus and the database.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Orchestrator.StopGracePeriod.Duration+shutdownSlack)
	defer cancel()
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn("Shutdown did not finish cleanly: %v", err)
	}
	a.bus.Close()
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("Failed to close session store: %v", err)
	}
}

// mcpCommand returns the argv agents use to reach this binary's gateway server.
func mcpCommand(configPath string) func(projectPath string) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "conductor"
	}
	return func(projectPath string) []string {
		argv := []string{exe}
		if configPath != "" {
			argv = append(argv, "--config", configPath)
		}
		return append(argv, "mcp", "--project", projectPath)
	}
}

// loadConfig reads configPath, or the default location when empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// applyLogging sets the configured level; DEBUG and DEBUG_DOMAINS still win.
func applyLogging(cfg *config.Config) {
	logx.SetLevel(logx.ParseLevel(cfg.LogLevel))
	if v := strings.ToLower(os.Getenv("DEBUG")); v == "1" || v == "true" {
		var domains []string
		if d := os.Getenv("DEBUG_DOMAINS"); d != "" {
			domains = strings.Split(d, ",")
		}
		logx.SetDebug(true, domains...)
	}
}

