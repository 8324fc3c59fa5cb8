package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sangdongvan/football-events/internal/health"
)

// CheckResult is the JSON payload of a successful check.
type CheckResult struct {
	RunID  string         `json:"run_id"`
	Report *health.Report `json:"report"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var startup time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Start the system, wait until it is healthy, then stop it",
		Long: `Start the football microservices and wait until every health check passes,
including the connector registration, then report and shut down.

Exit codes:
  0 - Every service became healthy
  1 - Startup timed out or teardown failed
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(rootOpts, startup, cmd)
		},
	}

	cmd.Flags().DurationVar(&startup, "startup-timeout", 0, "override the startup timeout")

	return cmd
}

func runCheck(opts *RootOptions, startup time.Duration, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	session := opts.session()
	if startup > 0 {
		t := session.Timeouts()
		t.Startup = startup
		if err := session.SetTimeouts(t); err != nil {
			return WrapExitError(ExitCommandError, "invalid timeouts", err)
		}
	}

	report, err := session.Start(ctx)
	if err != nil {
		_ = out.Error(ErrCodeStartup, err.Error(), startupDetails(err))
		return reported(ExitFailure)
	}
	out.RunID = session.RunID()

	if err := session.Shutdown(context.WithoutCancel(ctx)); err != nil {
		_ = out.Error(ErrCodeShutdown, err.Error(), report)
		return reported(ExitFailure)
	}

	if opts.Format == "json" {
		return out.Success(CheckResult{RunID: out.RunID, Report: report})
	}
	return out.Success(formatReport(report))
}

func formatReport(report *health.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "All %d services ready in %s\n", len(report.Checks), report.Elapsed.Round(time.Millisecond))
	for _, c := range report.Checks {
		fmt.Fprintf(&b, "  ✓ %s (%d attempts)\n", c.Name, c.Attempts)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
