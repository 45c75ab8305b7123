package cmd

import (
	"encoding/json"
	"fmt"

	statusadapter "github.com/bnema/enrollctl/internal/adapters/render/status"
	"github.com/bnema/enrollctl/internal/application"
	"github.com/spf13/cobra"
)

const defaultTail = 10

func newStatusCmd(app *app) *cobra.Command {
	var (
		name   string
		asJSON bool
		tail   int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions with their progress and recent log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			statuses, err := loadSessionStatuses(cmd, app, name)
			if err != nil {
				return err
			}

			if asJSON {
				return writeSessionsJSON(cmd, statuses, tail)
			}

			rendered, err := app.sessionsRenderer(statuses, statusadapter.RenderOptions{
				Now:  app.now(),
				Tail: tail,
			})
			if err != nil {
				return fmt.Errorf("render status: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Session name (all sessions when empty)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&tail, "tail", defaultTail, "Log lines per session")

	return cmd
}

func loadSessionStatuses(cmd *cobra.Command, app *app, name string) ([]application.SessionStatus, error) {
	if name == "" {
		return app.controller.Sessions(cmd.Context())
	}

	status, err := app.controller.Status(cmd.Context(), name)
	if err != nil {
		return nil, err
	}

	return []application.SessionStatus{status}, nil
}

type sessionJSON struct {
	Name       string   `json:"name"`
	Group      string   `json:"group"`
	State      string   `json:"state"`
	Running    bool     `json:"running"`
	Stale      bool     `json:"stale"`
	Cursor     int      `json:"cursor"`
	Targets    int      `json:"targets"`
	TotalAdded int      `json:"total_added"`
	Heartbeat  string   `json:"heartbeat,omitempty"`
	Log        []string `json:"log"`
}

func writeSessionsJSON(cmd *cobra.Command, statuses []application.SessionStatus, tail int) error {
	out := make([]sessionJSON, 0, len(statuses))
	for _, status := range statuses {
		session := status.Session
		entry := sessionJSON{
			Name:       session.Name,
			Group:      session.Group,
			State:      string(session.State),
			Running:    session.Running,
			Stale:      status.Stale,
			Cursor:     session.Cursor,
			Targets:    len(session.Targets),
			TotalAdded: session.TotalAdded,
			Log:        make([]string, 0, tail),
		}
		if !session.Heartbeat.IsZero() {
			entry.Heartbeat = session.Heartbeat.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		for _, line := range session.Tail(tail) {
			entry.Log = append(entry.Log, line.String())
		}
		out = append(out, entry)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
