//go:build unix

package exec

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// alive reports whether pid exists and is not a zombie awaiting its reaper.
func alive(pid int) bool {
	if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return !os.IsNotExist(err)
	}
	// The state follows the parenthesised command name.
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) == 0 || fields[0] != "Z"
}

func TestProcessStopTerminatesChildren(t *testing.T) {
	p, err := NewLocalExec().Start(context.Background(),
		[]string{"sh", "-c", `sleep 30 & echo $!; wait`},
		&Opts{GracePeriod: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	line, _ := bufio.NewReader(p.Stdout()).ReadString('\n')
	child, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		t.Fatalf("unexpected first line %q", line)
	}
	t.Cleanup(func() { _ = unix.Kill(child, unix.SIGKILL) })

	p.Stop()
	if _, err := p.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for alive(child) {
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived stop", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunTimeoutTerminatesChildren(t *testing.T) {
	pidFile := t.TempDir() + "/pid"
	start := time.Now()
	res, err := NewLocalExec().Run(context.Background(),
		[]string{"sh", "-c", `sleep 30 & echo $! > "$PIDFILE"; wait`},
		&Opts{Timeout: 300 * time.Millisecond, Env: []string{"PIDFILE=" + pidFile}})
	if !errors.Is(err, context.DeadlineExceeded) || !res.Canceled {
		t.Fatalf("Run = %+v, %v", res, err)
	}
	// The background sleep shares stdout; Run only returns once it is gone.
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run waited %v for the background child", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	child, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("unexpected pid file %q", data)
	}
	deadline := time.Now().Add(5 * time.Second)
	for alive(child) {
		if time.Now().After(deadline) {
			_ = unix.Kill(child, unix.SIGKILL)
			t.Fatalf("background child %d survived the timeout", child)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
