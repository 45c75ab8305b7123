package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode"

	"github.com/bnema/enrollctl/internal/application"
	"github.com/bnema/enrollctl/internal/domain"
	"github.com/spf13/cobra"
)

func newIdentityCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the identity pool",
	}

	cmd.AddCommand(
		newIdentityAddCmd(app),
		newIdentityRemoveCmd(app),
		newIdentityPauseCmd(app),
		newIdentityUnpauseCmd(app),
		newIdentityListCmd(app),
	)

	return cmd
}

func newIdentityAddCmd(app *app) *cobra.Command {
	var (
		id              string
		label           string
		credential      string
		credentialStdin bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an identity and store its credential",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if credentialStdin {
				value, err := readCredential(cmd.InOrStdin())
				if err != nil {
					return err
				}
				credential = value
			}
			if strings.TrimSpace(credential) == "" {
				return errors.New("a credential is required: pass --credential or --credential-stdin")
			}

			resolved, err := resolveIdentityID(cmd.Context(), app, id)
			if err != nil {
				return err
			}

			identity, err := app.registry.Register(cmd.Context(), application.RegisterCommand{
				ID:         resolved,
				Label:      label,
				Credential: credential,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added identity %s\n", sanitizeForTerminal(string(identity.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Identity ID (empty for the next free number)")
	cmd.Flags().StringVar(&label, "label", "", "Human-readable label")
	cmd.Flags().StringVar(&credential, "credential", "", "Session credential for the messaging gateway")
	cmd.Flags().BoolVar(&credentialStdin, "credential-stdin", false, "Read the credential from stdin")
	cmd.MarkFlagsMutuallyExclusive("credential", "credential-stdin")

	return cmd
}

func newIdentityRemoveCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an identity and its stored credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.registry.Remove(cmd.Context(), domain.IdentityID(args[0])); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed identity %s\n", sanitizeForTerminal(args[0]))
			return nil
		},
	}
}

func newIdentityPauseCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause an identity until it is unpaused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.registry.Pause(cmd.Context(), domain.IdentityID(args[0])); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Paused identity %s\n", sanitizeForTerminal(args[0]))
			return nil
		},
	}
}

func newIdentityUnpauseCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpause <id>",
		Short: "Clear any pause on an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.registry.Unpause(cmd.Context(), domain.IdentityID(args[0])); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unpaused identity %s\n", sanitizeForTerminal(args[0]))
			return nil
		},
	}
}

type identityListEntry struct {
	ID          domain.IdentityID  `json:"id"`
	Label       string             `json:"label,omitempty"`
	AddedToday  int                `json:"added_today"`
	TotalAdded  int                `json:"total_added"`
	Paused      bool               `json:"paused"`
	PauseReason domain.PauseReason `json:"pause_reason,omitempty"`
	LeasedBy    string             `json:"leased_by,omitempty"`
}

func newIdentityListCmd(app *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered identities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identities, err := app.registry.List(cmd.Context())
			if err != nil {
				return err
			}

			entries := make([]identityListEntry, 0, len(identities))
			for _, identity := range identities {
				entries = append(entries, identityListEntry{
					ID:          identity.ID,
					Label:       identity.Label,
					AddedToday:  identity.DailyAdded,
					TotalAdded:  identity.TotalAdded,
					Paused:      identity.Paused,
					PauseReason: identity.PauseReason,
					LeasedBy:    identity.LeasedBy,
				})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tLABEL\tTODAY\tTOTAL\tSTATE")
			for _, entry := range entries {
				state := "active"
				if entry.Paused {
					state = "paused"
					if entry.PauseReason != "" {
						state += " (" + string(entry.PauseReason) + ")"
					}
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\n",
					sanitizeForTerminal(string(entry.ID)),
					sanitizeForTerminal(entry.Label),
					entry.AddedToday, domain.DailyCap,
					entry.TotalAdded,
					state,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func readCredential(r io.Reader) (string, error) {
	reader := bufio.NewReader(r)
	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimSpace(input), nil
}

func sanitizeForTerminal(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
}
