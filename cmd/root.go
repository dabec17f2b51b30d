// Package cmd wires the archive pipeline into cobra subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/support-and-care-labs/mail-mcp/archive"
	"github.com/support-and-care-labs/mail-mcp/config"
	"github.com/support-and-care-labs/mail-mcp/model"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitUpstream = 4
)

// ExitError carries the process exit code for err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an Execute error to a process exit code. Errors without an
// explicit code are usage errors when they wrap model.ErrInvalidArgument and
// generic failures otherwise.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, model.ErrInvalidArgument) {
		return ExitUsage
	}
	return ExitFailure
}

// LoggerFunc builds the process logger from the loaded configuration. The
// returned cleanup is called when the command finishes.
type LoggerFunc func(cfg config.Config) (*slog.Logger, func() error, error)

// Options holds the dependencies of the command tree. Zero values select
// production defaults.
type Options struct {
	SetupLogger LoggerFunc
	HTTPClient  *http.Client
	Limiter     *rate.Limiter
	Now         func() time.Time
}

type app struct {
	opts   Options
	logger *slog.Logger
}

// NewRootCmd builds the mail-mcp command tree.
func NewRootCmd(opts Options) *cobra.Command {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &app{opts: opts, logger: slog.New(slog.DiscardHandler)}

	root := &cobra.Command{
		Use:           "mail-mcp",
		Short:         "Download Apache mailing list archives and index them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return withCode(ExitUsage, err)
	})
	config.RegisterGlobalFlags(root)

	root.AddCommand(
		a.newRetrieveCmd(),
		a.newUpdateCmd(),
		a.newIndexCmd(),
		a.newInspectCmd(),
	)
	return root
}

// Execute runs the command tree and returns the exit code. Diagnostics go to
// stderr.
func Execute(ctx context.Context, opts Options, args []string) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitFailure
	}
	root := NewRootCmd(opts)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "error: %v\n", err)
	}
	return ExitCode(err)
}

// prepare loads and validates the configuration and installs the logger.
func (a *app) prepare(cmd *cobra.Command) (config.Config, func(), error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, withCode(ExitUsage, err)
	}

	cleanup := func() {}
	if a.opts.SetupLogger != nil {
		logger, closeLog, err := a.opts.SetupLogger(cfg)
		if err != nil {
			return config.Config{}, nil, fmt.Errorf("setup logger: %w", err)
		}
		a.logger = logger
		slog.SetDefault(logger)
		cleanup = func() { _ = closeLog() }
	}
	return cfg, cleanup, nil
}

func (a *app) fetcher(cfg config.Config) *archive.Fetcher {
	return archive.New(archive.Options{
		BaseURL: cfg.ArchiveURL,
		Timeout: cfg.Timeout,
		Client:  a.opts.HTTPClient,
		Limiter: a.opts.Limiter,
		Now:     a.opts.Now,
	}, a.logger)
}

func isTerminal(f any) bool {
	file, ok := f.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
