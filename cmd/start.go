package cmd

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bnema/enrollctl/internal/application"
	"github.com/bnema/enrollctl/internal/domain"
	"github.com/spf13/cobra"
)

type startOptions struct {
	name           string
	group          string
	targetsFile    string
	targets        []string
	minEligible    int
	maxUnconfirmed int
	cooldownDays   int
	delay          time.Duration
	poll           time.Duration
	callTimeout    time.Duration
	skip           []string
}

func newStartCmd(app *app) *cobra.Command {
	opts := startOptions{}
	defaults := domain.DefaultSessionConfig()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run an enrollment session in the foreground",
		Long:  "start invites every target into the group, rotating the registered identities. Interrupting it, or running `enrollctl stop` from another terminal, leaves the session resumable at the current target.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.bridgeURL == "" {
				return fmt.Errorf("bridge.url is not configured (set %s_BRIDGE_URL or bridge.url in config.toml)", envPrefix)
			}

			targets, err := collectTargets(cmd.InOrStdin(), opts.targetsFile, opts.targets)
			if err != nil {
				return err
			}

			skip, err := domain.ParseSkipPolicy(opts.skip)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := app.controller.Start(ctx, application.StartCommand{
				Name:    opts.name,
				Group:   opts.group,
				Targets: targets,
				Config: domain.SessionConfig{
					MinEligibleIdentities:     opts.minEligible,
					MaxConsecutiveUnconfirmed: opts.maxUnconfirmed,
					CooldownDaysOnThreshold:   opts.cooldownDays,
					InterAttemptDelay:         opts.delay,
					SuspendPollInterval:       opts.poll,
					CallTimeout:               opts.callTimeout,
					SkipPolicy:                skip,
				},
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session %s: %d targets, starting at %d\n",
				sanitizeForTerminal(session.Name), len(session.Targets), session.Cursor+1)

			app.startWakeSources(ctx)

			state, runErr := app.controller.Run(ctx, session.Name)
			if err := writeRunResult(cmd, app, session.Name, state); err != nil && runErr == nil {
				runErr = err
			}
			if runErr != nil {
				return runErr
			}
			if state == domain.SessionAborted {
				return fmt.Errorf("session %s aborted", session.Name)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.name, "name", domain.DefaultSessionName, "Session name")
	flags.StringVar(&opts.group, "group", "", "Group handle the targets are invited into")
	flags.StringVar(&opts.targetsFile, "targets-file", "", "File with one target per line, or a .csv whose first column holds the targets (- for stdin)")
	flags.StringSliceVar(&opts.targets, "target", nil, "Target handle (repeatable)")
	flags.IntVar(&opts.minEligible, "min-eligible", defaults.MinEligibleIdentities, "Eligible identities required to resume after a suspension")
	flags.IntVar(&opts.maxUnconfirmed, "max-unconfirmed", defaults.MaxConsecutiveUnconfirmed, "Unconfirmed invites in a row before an identity cools down")
	flags.IntVar(&opts.cooldownDays, "cooldown-days", defaults.CooldownDaysOnThreshold, "Cooldown in days after too many unconfirmed invites")
	flags.DurationVar(&opts.delay, "delay", defaults.InterAttemptDelay, "Pause between two attempts")
	flags.DurationVar(&opts.poll, "poll", defaults.SuspendPollInterval, "Eligibility poll interval while suspended")
	flags.DurationVar(&opts.callTimeout, "call-timeout", defaults.CallTimeout, "Deadline for a single gateway call")
	flags.StringSliceVar(&opts.skip, "skip", nil, "Skip targets by last activity: older-1d, older-7d, older-30d, older-60d, unknown")
	_ = cmd.MarkFlagRequired("group")
	cmd.MarkFlagsOneRequired("targets-file", "target")

	return cmd
}

func writeRunResult(cmd *cobra.Command, app *app, name string, state domain.SessionState) error {
	status, err := app.controller.Status(context.WithoutCancel(cmd.Context()), name)
	if err != nil {
		return err
	}

	session := status.Session
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s: %d added, cursor %d/%d\n",
		sanitizeForTerminal(name), state, session.TotalAdded, session.Cursor, len(session.Targets))
	if tail := session.Tail(1); len(tail) == 1 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), sanitizeForTerminal(tail[0].Message))
	}
	return nil
}

// collectTargets merges --target values after the file contents, keeping blank
// lines so cursor positions match the file's line numbers.
func collectTargets(stdin io.Reader, path string, extra []string) ([]string, error) {
	var targets []string

	if path != "" {
		var (
			r   io.Reader
			err error
		)
		if path == "-" {
			r = stdin
		} else {
			f, openErr := os.Open(path)
			if openErr != nil {
				return nil, fmt.Errorf("open targets file: %w", openErr)
			}
			defer func() { _ = f.Close() }()
			r = f
		}

		if strings.EqualFold(filepath.Ext(path), ".csv") {
			targets, err = readCSVTargets(r)
		} else {
			targets, err = readLineTargets(r)
		}
		if err != nil {
			return nil, err
		}
	}

	targets = append(targets, extra...)
	if !domain.HasTargets(targets) {
		return nil, fmt.Errorf("%w: target list is empty", domain.ErrInvalidInput)
	}
	return targets, nil
}

func readLineTargets(r io.Reader) ([]string, error) {
	var targets []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		targets = append(targets, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return targets, nil
}

// readCSVTargets takes the first column of each row. Rows are read one line at a
// time because encoding/csv drops blank lines, which would shift cursor positions.
func readCSVTargets(r io.Reader) ([]string, error) {
	var targets []string
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			targets = append(targets, "")
			continue
		}

		reader := csv.NewReader(strings.NewReader(text))
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		record, err := reader.Read()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read targets csv line %d: %w", line, err)
		}
		if len(record) == 0 {
			targets = append(targets, "")
			continue
		}
		targets = append(targets, strings.TrimSpace(record[0]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read targets csv: %w", err)
	}
	return targets, nil
}
