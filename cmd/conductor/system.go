package main

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"conductor/pkg/api"
	"conductor/pkg/gateway"
	"conductor/pkg/logx"
	"conductor/pkg/version"
)

func (c *cli) providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"provider"},
		Short:   "Inspect agent providers",
	}

	var refresh, verify bool
	status := &cobra.Command{
		Use:   "status [provider]",
		Short: "Report installation and authentication",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.ProviderStatus(ctx, api.ProviderStatusRequest{
					Provider: firstArg(args),
					Refresh:  refresh,
					Verify:   verify,
				}))
			})
		},
	}
	status.Flags().BoolVar(&refresh, "refresh", false, "ignore cached probe results")
	status.Flags().BoolVar(&verify, "verify", false, "check API keys against the provider's API")

	models := &cobra.Command{
		Use:   "models [provider]",
		Short: "List the model catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.ListModels(ctx, firstArg(args)))
			})
		},
	}

	cmd.AddCommand(status, models)
	return cmd
}

func (c *cli) featuresCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:     "features",
		Aliases: []string{"feature"},
		Short:   "Read and update the project's feature list",
	}
	cmd.PersistentFlags().StringVarP(&project, "project", "p", ".", "project directory")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the feature list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.ListFeatures(ctx, absOrSelf(project)))
			})
		},
	}

	var summary string
	update := &cobra.Command{
		Use:   "update <feature> <status>",
		Short: "Set one feature's status (backlog, in_progress, verified)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateFeatureRequest{ProjectPath: absOrSelf(project), FeatureID: args[0], Status: args[1]}
			if cmd.Flags().Changed("summary") {
				req.Summary = &summary
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.UpdateFeatureStatus(ctx, req))
			})
		},
	}
	update.Flags().StringVar(&summary, "summary", "", "replace the feature summary")

	cmd.AddCommand(list, update)
	return cmd
}

// mcpCmd is what agents launch; stdout carries the protocol so logs stay on stderr.
func (c *cli) mcpCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve " + gateway.ToolUpdateFeatureStatus + " over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return gateway.ServeStdio(ctx, a.gateway, absOrSelf(project), version.Version)
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project whose feature list is served")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return serveHTTP(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7420", "listen address")
	return cmd
}

func serveHTTP(ctx context.Context, a *app, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(a.svc, a.recorder.Registry()).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Listening on http://%s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Stop runs first so open event streams see their terminal events.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Orchestrator.StopGracePeriod.Duration+shutdownSlack)
	defer cancel()
	if err := a.orch.Shutdown(stopCtx); err != nil {
		a.logger.Warn("Runs did not stop cleanly: %v", err)
	}
	a.bus.Close()
	if err := server.Shutdown(stopCtx); err != nil {
		a.logger.Error("HTTP server shutdown failed: %v", err)
		return err
	}
	return nil
}

func (c *cli) metricsCmd() *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if probe {
					a.registry.Statuses(ctx)
				}
				return a.recorder.WriteText(cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "probe every provider first")
	return cmd
}

func (c *cli) logsCmd() *cobra.Command {
	var level, component string
	var probe bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Probe providers and print the captured log lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if probe {
					a.registry.Statuses(ctx)
				}
				minLevel := logx.LevelInfo
				if level != "" {
					minLevel = logx.ParseLevel(level)
				}
				return c.render.response(api.OK(logx.Recent(minLevel, component)))
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&component, "component", "", "component prefix")
	cmd.Flags().BoolVar(&probe, "probe", true, "probe providers first")
	return cmd
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
