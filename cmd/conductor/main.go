// Command conductor manages agent sessions: it starts coding-agent
// conversations, streams their output, and serves the feature status gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"conductor/pkg/api"
	"conductor/pkg/version"
)

// shutdownSlack is added to the stop grace period when waiting for runs to end.
const shutdownSlack = 2 * time.Second

// cli holds the global flags shared by every command.
type cli struct {
	configPath string
	jsonOut    bool
	noColor    bool
	render     *renderer
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Run coding agents against your projects",
		Long: `conductor drives coding-agent CLIs (claude, codex, cursor, opencode, gemini)
through named sessions. Each session keeps its history, its provider and model,
and a resumable provider conversation.

The project's feature list can only be changed through update_feature_status,
which agents reach over MCP ("conductor mcp") or the API ("conductor serve").`,
		Version: version.String(),
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if c.noColor || !term.IsTerminal(int(os.Stdout.Fd())) {
				color.NoColor = true
			}
			c.render = newRenderer(cmd.OutOrStdout(), c.jsonOut)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $CONDUCTOR_HOME/config.{json,yaml})")
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "print API responses as JSON")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "disable colour output")

	root.AddGroup(
		&cobra.Group{ID: "sessions", Title: "Sessions:"},
		&cobra.Group{ID: "conversation", Title: "Conversation:"},
		&cobra.Group{ID: "system", Title: "Providers and system:"},
	)
	for _, cmd := range []*cobra.Command{c.sessionCmd(), c.historyCmd()} {
		cmd.GroupID = "sessions"
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{c.chatCmd(), c.stopCmd(), c.clearCmd(), c.modelCmd()} {
		cmd.GroupID = "conversation"
		root.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{c.providersCmd(), c.featuresCmd(), c.mcpCmd(), c.serveCmd(), c.metricsCmd(), c.logsCmd()} {
		cmd.GroupID = "system"
		root.AddCommand(cmd)
	}
	return root
}

// withApp builds the component graph, runs fn and tears everything down.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}
	applyLogging(cfg)
	a, err := newApp(cfg, c.configPath)
	if err != nil {
		return err
	}
	defer a.close(cmd.Context())
	return fn(cmd.Context(), a)
}

// printError reports err on stderr, with its API code when it has one.
func printError(err error) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗ %s:", apiErr.Code), apiErr.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), err)
}
