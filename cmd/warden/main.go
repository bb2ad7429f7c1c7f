package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/animus-labs/warden/internal/build"
	"github.com/animus-labs/warden/internal/supervisor"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := Main(ctx, os.Args, os.Stdout, logger)
	stop()
	os.Exit(code)
}

// Main runs the CLI and returns the process exit code.
func Main(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) int {
	app := cli.NewApp()
	app.Name = "warden"
	app.Usage = "Build minimal service images and supervise them at runtime."
	app.Version = "0.1.0"
	app.Writer = stdout

	app.Commands = []cli.Command{
		buildCommand(ctx, stdout, logger),
		identityCommand(stdout),
		superviseCommand(ctx, logger),
		serveCommand(ctx, logger),
		probeCommand(ctx, logger),
		buildsCommand(ctx, stdout, logger),
	}
	var notFound error
	app.CommandNotFound = func(c *cli.Context, command string) {
		notFound = fmt.Errorf("%q is not a warden command", command)
	}
	app.OnUsageError = func(c *cli.Context, err error, isSubcommand bool) error {
		return usageError(err)
	}

	err := app.Run(args)
	if err == nil && notFound != nil {
		err = usageError(notFound)
	}
	code := exitCode(err)
	if err != nil && code != supervisor.ExitClean {
		logger.Error("command failed", "error", err, "exit_code", code)
	}
	return code
}

// commandError carries the exit code a command asks for. It must not
// implement cli.ExitCoder or the app calls os.Exit on its own.
type commandError struct {
	code int
	err  error
}

func (e *commandError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *commandError) Unwrap() error { return e.err }

func usageError(err error) error { return &commandError{code: supervisor.ExitConfig, err: err} }

func failure(err error) error { return &commandError{code: supervisor.ExitCrashed, err: err} }

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return supervisor.ExitClean
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, build.ErrInvalidConfig) {
		return supervisor.ExitConfig
	}
	return supervisor.ExitCrashed
}
