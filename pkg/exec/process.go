package exec

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

const stderrTailSize = 8 << 10

// Process is a running command whose stdout is read as a stream.
//
// Cancelling the context passed to Start (or calling Stop) sends SIGTERM to the
// process group; members still alive after the grace period are killed.
type Process struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	ctx     context.Context
	stdout  *io.PipeReader
	pw      *io.PipeWriter
	stderr  *tailBuffer
	started time.Time

	done   chan struct{}
	result Result
	err    error
}

// Start launches cmd and returns once the process is running.
func (e *LocalExec) Start(ctx context.Context, cmd []string, opts *Opts) (*Process, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		opts = &Opts{}
	}

	procCtx, cancel := context.WithCancel(ctx)
	execCmd := exec.CommandContext(procCtx, cmd[0], cmd[1:]...)
	if err := configure(execCmd, opts); err != nil {
		cancel()
		return nil, err
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	execCmd.Cancel = func() error {
		time.AfterFunc(grace, func() { _ = killGroup(execCmd) })
		return terminateGroup(execCmd)
	}
	execCmd.WaitDelay = grace

	pr, pw := io.Pipe()
	stderr := &tailBuffer{max: stderrTailSize}
	execCmd.Stdout = pw
	execCmd.Stderr = stderr

	if err := execCmd.Start(); err != nil {
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cmd[0], err)
	}

	p := &Process{
		cmd:     execCmd,
		cancel:  cancel,
		ctx:     procCtx,
		stdout:  pr,
		pw:      pw,
		stderr:  stderr,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.wait(e.Name())
	return p, nil
}

func (p *Process) wait(executor string) {
	err := p.cmd.Wait()

	p.result = Result{
		Stderr:       p.stderr.String(),
		ExecutorUsed: executor,
		Duration:     time.Since(p.started),
		ExitCode:     p.cmd.ProcessState.ExitCode(),
		Canceled:     p.ctx.Err() != nil,
	}
	switch {
	case p.result.Canceled:
		p.err = context.Canceled
	case err != nil && p.result.ExitCode != 0:
		p.err = &ExitError{ExitCode: p.result.ExitCode, Stderr: p.result.Stderr}
	}

	// Everything the child wrote has been copied into the pipe by now.
	_ = p.pw.Close()
	p.cancel()
	close(p.done)
}

// Stdout streams the process output. It reaches EOF once the process exits.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stop requests termination. It does not wait; use Wait.
func (p *Process) Stop() {
	p.cancel()
}

// Done is closed after the process has exited and its output was fully copied.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. The error is nil on exit code 0,
// context.Canceled when stopped, and *ExitError otherwise.
func (p *Process) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

// Close abandons any unread output so the copier cannot block.
func (p *Process) Close() error {
	return p.stdout.Close()
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
