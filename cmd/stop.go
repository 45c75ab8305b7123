package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/enrollctl/internal/domain"
	"github.com/spf13/cobra"
)

const stopPollInterval = 500 * time.Millisecond

func newStopCmd(app *app) *cobra.Command {
	var (
		name    string
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a running session to stop at its next checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.controller.RequestStop(cmd.Context(), name); err != nil {
				if errors.Is(err, domain.ErrNotRunning) || errors.Is(err, domain.ErrSessionNotFound) {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session %s is not running\n", sanitizeForTerminal(name))
					return nil
				}
				return err
			}

			if !wait {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for session %s\n", sanitizeForTerminal(name))
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var state domain.SessionState
			err := runWaitSpinner(ctx, cmd.ErrOrStderr(), fmt.Sprintf("Waiting for session %s to stop...", name), func(ctx context.Context) error {
				var err error
				state, err = waitForStop(ctx, app, name)
				return err
			})
			if err != nil {
				return fmt.Errorf("wait for session %s: %w", name, err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", sanitizeForTerminal(name), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", domain.DefaultSessionName, "Session name")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the session has stopped")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Longest time to wait with --wait")

	return cmd
}

func waitForStop(ctx context.Context, app *app, name string) (domain.SessionState, error) {
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()

	for {
		status, err := app.controller.Status(ctx, name)
		if err != nil {
			return "", err
		}
		if !status.Session.Running {
			return status.Session.State, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
