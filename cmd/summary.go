package cmd

import (
	"encoding/json"
	"fmt"

	statusadapter "github.com/bnema/enrollctl/internal/adapters/render/status"
	"github.com/spf13/cobra"
)

type summaryIdentityJSON struct {
	ID                     string `json:"id"`
	AddedToday             int    `json:"added_today"`
	Remaining              int    `json:"remaining"`
	TotalAdded             int    `json:"total_added"`
	Paused                 bool   `json:"paused"`
	PauseReason            string `json:"pause_reason,omitempty"`
	CooldownSeconds        int64  `json:"cooldown_seconds"`
	ConsecutiveUnconfirmed int    `json:"consecutive_unconfirmed"`
}

type summaryJSON struct {
	Identities []summaryIdentityJSON `json:"identities"`
	AddedToday int                   `json:"added_today"`
	TotalAdded int                   `json:"total_added"`
	Eligible   int                   `json:"eligible"`
}

func newSummaryCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show daily quota, pauses and totals per identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			summary, err := app.registry.Summary(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				out := summaryJSON{
					Identities: make([]summaryIdentityJSON, 0, len(summary.Identities)),
					AddedToday: summary.AddedToday,
					TotalAdded: summary.TotalAdded,
					Eligible:   summary.Eligible,
				}
				for _, identity := range summary.Identities {
					out.Identities = append(out.Identities, summaryIdentityJSON{
						ID:                     string(identity.ID),
						AddedToday:             identity.AddedToday,
						Remaining:              identity.Remaining,
						TotalAdded:             identity.TotalAdded,
						Paused:                 identity.Paused,
						PauseReason:            string(identity.PauseReason),
						CooldownSeconds:        int64(identity.Cooldown.Seconds()),
						ConsecutiveUnconfirmed: identity.ConsecutiveUnconfirmed,
					})
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			rendered, err := app.summaryRenderer(summary, statusadapter.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render summary: %w", err)
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}
