package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sangdongvan/football-events/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string // scenario filter (glob pattern on the file name)
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run acceptance scenarios against the system",
		Long: `Start the football microservices and run every YAML acceptance scenario
found under the directory, then shut the system down.

Exit codes:
  0 - All scenarios passed
  1 - Startup failed or one or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  football-tests test ./scenarios
  football-tests test ./scenarios --filter "goals-*"
  football-tests test ./scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, dir string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	out := opts.formatter(cmd)

	if _, err := os.Stat(dir); err != nil {
		return WrapExitError(ExitCommandError, "scenarios directory not found", err)
	}
	paths, err := harness.FindScenarios(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "find scenarios", err)
	}
	paths, err = filterScenarios(paths, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	if len(paths) == 0 {
		if opts.Format == "json" {
			return out.Success(&harness.SuiteResult{})
		}
		return out.Success("No scenarios found.")
	}

	session := opts.session()
	if _, err := session.Start(ctx); err != nil {
		_ = out.Error(ErrCodeStartup, err.Error(), startupDetails(err))
		return reported(ExitFailure)
	}
	out.RunID = session.RunID()

	suite, runErr := harness.New(session, opts.Logger).RunFiles(ctx, paths)
	shutdownErr := session.Shutdown(context.WithoutCancel(ctx))
	if runErr != nil {
		return WrapExitError(ExitFailure, "scenario run interrupted", errors.Join(runErr, shutdownErr))
	}
	if shutdownErr != nil {
		_ = out.Error(ErrCodeShutdown, shutdownErr.Error(), suite)
		return reported(ExitFailure)
	}

	if opts.Format == "json" {
		if err := out.Success(suite); err != nil {
			return err
		}
	} else {
		writeSuiteText(out, suite)
	}
	if suite.Failed > 0 {
		return reported(ExitFailure)
	}
	return nil
}

// filterScenarios keeps the paths whose base name, without extension,
// matches the glob pattern. An empty pattern keeps everything.
func filterScenarios(paths []string, pattern string) ([]string, error) {
	if pattern == "" {
		return paths, nil
	}
	var kept []string
	for _, p := range paths {
		base := filepath.Base(p)
		name := strings.TrimSuffix(base, filepath.Ext(base))
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func writeSuiteText(out *OutputFormatter, suite *harness.SuiteResult) {
	w := out.Writer
	for _, f := range suite.Failures {
		name := f.Scenario
		if name == "" {
			name = filepath.Base(f.Path)
		}
		fmt.Fprintf(w, "✗ %s\n", name)
		for _, e := range f.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
	fmt.Fprintf(w, "\n%d scenarios: %d passed, %d failed\n", suite.Total, suite.Passed, suite.Failed)
}
