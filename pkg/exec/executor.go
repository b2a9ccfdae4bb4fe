// Package exec runs external commands: bounded one-shot invocations for probes and
// long-lived streaming processes for agent runs.
package exec

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Executor runs commands on the local machine.
type Executor interface {
	// Run executes a command to completion and captures its output.
	// A non-zero exit is reported through Result.ExitCode, not the error.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Start launches a command whose stdout is streamed through the returned Process.
	Start(ctx context.Context, cmd []string, opts *Opts) (*Process, error)

	// Name returns the executor name for logging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env entries (KEY=VALUE) are appended to the parent environment.
	Env []string

	// Timeout bounds Run. Zero means no timeout.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string

	// Stdin is fed to the command when set.
	Stdin io.Reader

	// GracePeriod is how long a cancelled process has between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

// Result contains the result of command execution.
type Result struct {
	Stdout       string
	Stderr       string
	ExecutorUsed string
	Duration     time.Duration
	ExitCode     int

	// Canceled is true when the process ended because its context was cancelled.
	Canceled bool
}

// ExitError reports a streaming process that exited unsuccessfully.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// DefaultGracePeriod is used when Opts.GracePeriod is zero.
const DefaultGracePeriod = 5 * time.Second
