package cmd

import (
	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "enrollctl",
		Short:         "enrollctl: rotate identities through a resumable group enrollment",
		Long:          "enrollctl registers messaging identities, then invites a target list into a group by rotating those identities under a daily cap, pausing on platform rate limits and resuming where it stopped.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	app, err := wireApp()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}

	rootCmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		app.close()
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newIdentityCmd(app),
		newStartCmd(app),
		newStopCmd(app),
		newStatusCmd(app),
		newSummaryCmd(app),
	)

	return rootCmd
}
