package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"conductor/pkg/api"
	"conductor/pkg/events"
)

// errTurnFailed makes a failed turn exit non-zero after it was rendered.
var errTurnFailed = errors.New("turn failed")

func (c *cli) chatCmd() *cobra.Command {
	var (
		images []string
		model  string
	)
	cmd := &cobra.Command{
		Use:   "chat <session> <message...>",
		Short: "Send a message and stream the agent's reply",
		Long: `Send a message to the session's agent, starting a run when none is active,
and stream the reply until the turn ends. Ctrl-C stops the run.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.SendRequest{
				SessionID:  args[0],
				Message:    strings.Join(args[1:], " "),
				ImagePaths: images,
				Model:      model,
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.chat(ctx, a, req)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "attach an image file (repeatable)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model for this turn only")
	return cmd
}

// chat subscribes before sending so no event of the turn is missed.
func (c *cli) chat(ctx context.Context, a *app, req api.SendRequest) error {
	sub := a.svc.Subscribe(req.SessionID)
	defer sub.Close()

	if err := a.svc.Send(ctx, req).Err(); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.render.event(ev)
			if ev.EndsTurn() {
				if ev.Type == events.Error {
					return errTurnFailed
				}
				return nil
			}
		case <-ctx.Done():
			return c.interrupt(a, req.SessionID, sub)
		}
	}
}

// interrupt stops the run and prints what is left of the stream.
func (c *cli) interrupt(a *app, sessionID string, sub *events.Subscription) error {
	grace := a.cfg.Orchestrator.StopGracePeriod.Duration + shutdownSlack
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- a.svc.Stop(ctx, sessionID).Err() }()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return <-stopped
			}
			c.render.event(ev)
			if ev.Terminal {
				return <-stopped
			}
		case <-ctx.Done():
			return fmt.Errorf("run did not stop within %s", grace)
		}
	}
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session>",
		Short: "Stop the session's run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.Stop(ctx, args[0]))
			})
		},
	}
}

func (c *cli) clearCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "clear <session>",
		Short: "Forget the provider conversation so the next message starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.Clear(ctx, api.ClearRequest{SessionID: args[0], Purge: purge}))
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the stored messages")
	return cmd
}

func (c *cli) modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show or change models",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <session> <model>",
		Short: "Change the session's model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.SetModel(ctx, args[0], args[1]))
			})
		},
	}, &cobra.Command{
		Use:   "list [provider]",
		Short: "List the model catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.render.response(a.svc.ListModels(ctx, firstArg(args)))
			})
		},
	})
	return cmd
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
