package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sangdongvan/football-events/internal/compose"
	"github.com/sangdongvan/football-events/internal/config"
	"github.com/sangdongvan/football-events/internal/environment"
	"github.com/sangdongvan/football-events/internal/harness"
	"github.com/sangdongvan/football-events/internal/health"
	"github.com/sangdongvan/football-events/internal/logging"
	"github.com/sangdongvan/football-events/internal/metrics"
	"github.com/sangdongvan/football-events/internal/replay"
	"github.com/sangdongvan/football-events/internal/tracing"
)

// RootOptions holds global flags for all commands and the runtime built
// from them before a command runs.
type RootOptions struct {
	ConfigPath     string
	Verbose        bool
	Trace          bool
	Format         string // "json" | "text"
	MetricsAddr    string
	AlwaysShutdown bool

	// NewSession builds the environment a command drives. Tests replace it.
	NewSession func(o *RootOptions) Session

	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Collector

	tracer        *tracing.Provider
	metricsServer *http.Server
}

// Session is the environment surface the commands use.
// *environment.Environment implements it.
type Session interface {
	harness.Env
	SetTimeouts(t config.Timeouts) error
	Timeouts() config.Timeouts
	Start(ctx context.Context) (*health.Report, error)
	Shutdown(ctx context.Context) error
	Replay(ctx context.Context, r io.Reader) (*replay.Report, error)
	RunID() string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the football-tests CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{NewSession: newEnvironment}

	cmd := &cobra.Command{
		Use:   "football-tests",
		Short: "Drive the football event-sourcing system under test",
		Long: `Start the football microservices, wait until they are healthy, and drive
them with commands, recorded match logs and acceptance scenarios while
watching the event bus and the dashboard push channel.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.setup(cmd.Context(), cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (defaults to the reference docker-compose setup)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.Trace, "trace", false, "log every dispatched command")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.PersistentFlags().BoolVar(&opts.AlwaysShutdown, "always-shutdown", true, "stop the containers even when a run fails")

	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd, opts
}

// Execute runs the CLI with args and returns the process exit code.
// Errors not yet reported by a command are printed to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, opts := newRoot()
	return execute(ctx, cmd, opts, args, stdout, stderr)
}

func execute(ctx context.Context, cmd *cobra.Command, opts *RootOptions, args []string, stdout, stderr io.Writer) int {
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if cerr := opts.close(closeCtx); cerr != nil {
		fmt.Fprintf(stderr, "warning: %v\n", cerr)
	}

	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return GetExitCode(err)
}

// setup loads the configuration and starts the ambient services.
func (o *RootOptions) setup(ctx context.Context, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.Config = cfg
	o.Logger = logging.New(stderr, logging.Level(o.Verbose, o.Trace))
	o.Metrics = metrics.New()

	tp, err := tracing.New(ctx, cfg.Tracing)
	if err != nil {
		return WrapExitError(ExitCommandError, "start tracing", err)
	}
	o.tracer = tp

	if o.MetricsAddr != "" {
		if err := o.serveMetrics(); err != nil {
			return WrapExitError(ExitCommandError, "serve metrics", err)
		}
	}
	return nil
}

func (o *RootOptions) serveMetrics() error {
	ln, err := net.Listen("tcp", o.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", o.Metrics.Handler())
	o.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := o.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.Logger.Warn("metrics server stopped", "error", err)
		}
	}()
	o.Logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// close flushes spans and stops the metrics server.
func (o *RootOptions) close(ctx context.Context) error {
	var errs []error
	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
		o.metricsServer = nil
	}
	if err := o.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	o.tracer = nil
	return errors.Join(errs...)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) session() Session {
	return o.NewSession(o)
}

// reported marks a failure the command has already written out.
func reported(code int) error {
	return &ExitError{Code: code}
}

// newEnvironment builds the production environment from the loaded config.
func newEnvironment(o *RootOptions) Session {
	env := environment.Options{
		Config:  o.Config,
		Logger:  o.Logger,
		Metrics: o.Metrics,
	}
	if inspector, err := compose.NewInspector(o.Config.Compose.Project); err != nil {
		o.Logger.Debug("container inspection unavailable", "error", err)
	} else {
		env.Inspector = inspector
	}
	return environment.New(env)
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
