package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/health"
)

// DashboardURL is where the football UI serves the live dashboard.
const DashboardURL = "http://localhost:18080/"

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [startup-timeout] [rest-timeout] [src-file]",
		Short: "Start the system and replay a recorded season",
		Long: `Start the football microservices, wait until they are healthy, then replay
a recorded season log against them, compressing the original timeline.

Timeouts are whole seconds. Without arguments the usage is printed and the
configured defaults are used.

Exit codes:
  0 - Season replayed and system stopped
  1 - Startup timed out or a line failed
  2 - Command error (bad arguments, missing file)

Examples:
  football-tests replay
  football-tests replay 300
  football-tests replay 300 30 EFL-Championship-2017-2018.txt`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, args, cmd)
		},
	}

	return cmd
}

// replayArgs holds the positional arguments of the replay command.
type replayArgs struct {
	timeouts config.Timeouts
	source   string
}

func parseReplayArgs(cfg config.Config, args []string) (replayArgs, error) {
	out := replayArgs{timeouts: cfg.Timeouts, source: cfg.Replay.Source}
	if len(args) > 0 {
		d, err := parseSeconds("startup-timeout", args[0])
		if err != nil {
			return out, err
		}
		out.timeouts.Startup = d
	}
	if len(args) > 1 {
		d, err := parseSeconds("rest-timeout", args[1])
		if err != nil {
			return out, err
		}
		out.timeouts.Rest = d
	}
	if len(args) > 2 {
		out.source = args[2]
	}
	return out, nil
}

func parseSeconds(name, value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", name, value)
	}
	return time.Duration(n) * time.Second, nil
}

func printReplayUsage(w io.Writer, cfg config.Config) {
	fmt.Fprintln(w, "Usage: football-tests replay [startup-timeout] [rest-timeout] [src-file]")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  startup-timeout    Set max wait time for the system startup (default: %d s)\n", int(cfg.Timeouts.Startup/time.Second))
	fmt.Fprintf(w, "  rest-timeout       Set max response time for REST commands (default: %d s)\n", int(cfg.Timeouts.Rest/time.Second))
	fmt.Fprintf(w, "  src-file           Specify an alternate source file (default: %s)\n", cfg.Replay.Source)
	fmt.Fprintln(w)
}

func runReplay(opts *RootOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	if len(args) == 0 && opts.Format != "json" {
		printReplayUsage(cmd.OutOrStdout(), opts.Config)
	}
	parsed, err := parseReplayArgs(opts.Config, args)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid arguments", err)
	}

	src, err := os.Open(parsed.source)
	if err != nil {
		return WrapExitError(ExitCommandError, "open source file", err)
	}
	defer src.Close()

	session := opts.session()
	if err := session.SetTimeouts(parsed.timeouts); err != nil {
		return WrapExitError(ExitCommandError, "invalid timeouts", err)
	}

	if _, err := session.Start(ctx); err != nil {
		_ = out.Error(ErrCodeStartup, err.Error(), startupDetails(err))
		return reported(ExitFailure)
	}
	out.RunID = session.RunID()

	opts.Logger.Info("*************************************************")
	opts.Logger.Info("Dashboard is available at " + DashboardURL)
	opts.Logger.Info("*************************************************")

	report, replayErr := session.Replay(ctx, src)
	if replayErr != nil && !opts.AlwaysShutdown {
		opts.Logger.Warn("replay failed, leaving the system running", "run_id", out.RunID)
		_ = out.Error(ErrCodeReplay, replayErr.Error(), report)
		return reported(ExitFailure)
	}

	shutdownErr := session.Shutdown(context.WithoutCancel(ctx))
	if replayErr != nil {
		_ = out.Error(ErrCodeReplay, errors.Join(replayErr, shutdownErr).Error(), report)
		return reported(ExitFailure)
	}
	if shutdownErr != nil {
		_ = out.Error(ErrCodeShutdown, shutdownErr.Error(), nil)
		return reported(ExitFailure)
	}

	if opts.Format == "json" {
		return out.Success(report)
	}
	return out.Success(fmt.Sprintf("Replayed %d lines (%d rest, %d sql, %d skipped) in %s",
		report.Lines, report.REST, report.SQL, report.Skipped, report.Elapsed.Round(time.Millisecond)))
}

// startupDetails lists the services that never became healthy.
func startupDetails(err error) any {
	var timeout *health.StartupTimeoutError
	if errors.As(err, &timeout) {
		return map[string]any{"pending": timeout.Pending, "last_errors": timeout.LastErrors}
	}
	return nil
}
