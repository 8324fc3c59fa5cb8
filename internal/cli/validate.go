package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sangdongvan/football-events/internal/replay"
)

// ValidationResult holds the outcome of scanning a season log.
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Summary *replay.Summary `json:"summary"`
	// Malformed is the first line that could not be parsed, if any.
	Malformed *MalformedLine `json:"malformed,omitempty"`
}

// MalformedLine locates a parse failure.
type MalformedLine struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <src-file>",
		Short: "Check a season log without dispatching it",
		Long: `Parse a season log line by line without contacting the system under test.

Reports the number of REST and SQL lines and the covered period, or the
first malformed line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "open source file", err)
	}
	defer f.Close()

	out.VerboseLog("Scanning %s", path)
	summary, err := replay.Scan(f, time.Local)
	result := ValidationResult{Valid: err == nil, Summary: summary}
	if err != nil {
		var malformed *replay.MalformedLineError
		if !errors.As(err, &malformed) {
			return WrapExitError(ExitCommandError, "read source file", err)
		}
		result.Malformed = &MalformedLine{Line: malformed.Line, Text: malformed.Text, Reason: malformed.Reason}
		_ = out.Error(ErrCodeMalformed, err.Error(), result)
		return reported(ExitFailure)
	}

	if opts.Format == "json" {
		return out.Success(result)
	}
	if summary.Lines == 0 {
		return out.Success(fmt.Sprintf("%s: no lines", path))
	}
	return out.Success(fmt.Sprintf("%s: %d lines (%d rest, %d sql) from %s to %s",
		path, summary.Lines, summary.REST, summary.SQL,
		summary.First.Format(replay.LayoutREST), summary.Last.Format(replay.LayoutREST)))
}
