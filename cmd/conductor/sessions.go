package main

import (
	"context"

	"github.com/spf13/cobra"

	"conductor/pkg/api"
)

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "session",
		Aliases: []string{"sessions", "s"},
		Short:   "Manage sessions",
	}
	cmd.AddCommand(
		c.sessionListCmd(),
		c.sessionShowCmd(),
		c.sessionCreateCmd(),
		c.sessionUpdateCmd(),
		c.sessionSimpleCmd("archive", "Hide a session from the default listing", (*api.Service).ArchiveSession),
		c.sessionSimpleCmd("unarchive", "Restore an archived session", (*api.Service).UnarchiveSession),
		c.sessionSimpleCmd("delete", "Delete a session and its messages", (*api.Service).DeleteSession),
	)
	return cmd
}

func (c *cli) sessionListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.ListSessions(ctx, api.ListSessionsRequest{IncludeArchived: all}))
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived sessions")
	return cmd
}

func (c *cli) sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.GetSession(ctx, args[0]))
			})
		},
	}
}

func (c *cli) sessionCreateCmd() *cobra.Command {
	var req api.CreateSessionRequest
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a session bound to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			if req.ProjectPath == "" {
				req.ProjectPath = "."
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.CreateSession(ctx, req))
			})
		},
	}
	cmd.Flags().StringVarP(&req.ProjectPath, "project", "p", "", "project directory (default: current directory)")
	cmd.Flags().StringVarP(&req.WorkingDirectory, "workdir", "w", "", "working directory (default: project)")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "agent provider (default from config)")
	cmd.Flags().StringVarP(&req.Model, "model", "m", "", "model (default: provider default)")
	cmd.Flags().BoolVar(&req.RequiresTools, "requires-tools", false, "only allow models with tool use")
	cmd.Flags().StringSliceVarP(&req.Tags, "tag", "t", nil, "tag (repeatable)")
	return cmd
}

func (c *cli) sessionUpdateCmd() *cobra.Command {
	var (
		name  string
		model string
		tags  []string
	)
	cmd := &cobra.Command{
		Use:   "update <session>",
		Short: "Rename, retag or change the model of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.UpdateSessionRequest{ID: args[0]}
			if cmd.Flags().Changed("name") {
				req.Name = &name
			}
			if cmd.Flags().Changed("model") {
				req.Model = &model
			}
			if cmd.Flags().Changed("tag") {
				req.Tags = &tags
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.UpdateSession(ctx, req))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVarP(&model, "model", "m", "", "new model")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "replace tags (repeatable, empty to clear)")
	return cmd
}

func (c *cli) sessionSimpleCmd(use, short string, op func(*api.Service, context.Context, string) api.Response) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(op(a.svc, ctx, args[0]))
			})
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.History(ctx, args[0]))
			})
		},
	}
}
