// Package compose brings the system under test up and down.
//
// The harness only needs two operations from the container layer, so it
// depends on the Orchestrator interface. CLI shells out to docker compose;
// Noop is used when the stack is managed outside the harness (a CI job
// that starts the services itself, or a developer's long-running stack).
package compose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/logging"
)

// Orchestrator starts and stops the container stack.
type Orchestrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

// Noop is an Orchestrator for externally managed stacks.
type Noop struct{}

func (Noop) Up(context.Context) error   { return nil }
func (Noop) Down(context.Context) error { return nil }

// Runner executes a program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the program with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// CommandError is a failed docker compose invocation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, out)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// CLI drives docker compose through its command line.
type CLI struct {
	File    string
	Project string
	Binary  string
	Run     Runner
	Logger  *slog.Logger
}

// NewCLI creates a CLI orchestrator from configuration.
func NewCLI(cfg config.ComposeConfig, logger *slog.Logger) *CLI {
	return &CLI{
		File:    cfg.File,
		Project: cfg.Project,
		Binary:  "docker",
		Run:     ExecRunner,
		Logger:  logging.OrDefault(logger),
	}
}

// New returns a CLI when compose is enabled, otherwise Noop.
func New(cfg config.ComposeConfig, logger *slog.Logger) Orchestrator {
	if !cfg.Enabled {
		return Noop{}
	}
	return NewCLI(cfg, logger)
}

// Up starts the stack detached.
func (c *CLI) Up(ctx context.Context) error {
	return c.compose(ctx, "up", "-d")
}

// Down stops the stack and removes its containers.
func (c *CLI) Down(ctx context.Context) error {
	return c.compose(ctx, "down", "--remove-orphans")
}

func (c *CLI) compose(ctx context.Context, args ...string) error {
	full := []string{"compose"}
	if c.File != "" {
		full = append(full, "-f", c.File)
	}
	if c.Project != "" {
		full = append(full, "-p", c.Project)
	}
	full = append(full, args...)

	logger := logging.OrDefault(c.Logger)
	logger.Info("docker compose", "args", strings.Join(full, " "))
	out, err := c.Run(ctx, c.Binary, full...)
	if err != nil {
		return &CommandError{Args: append([]string{c.Binary}, full...), Output: string(out), Err: err}
	}
	logging.Trace(ctx, logger, "docker compose output", "output", string(out))
	return nil
}
