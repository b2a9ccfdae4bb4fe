package provider

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"conductor/pkg/exec"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

// fakeExec answers Run with canned results keyed by the joined argv.
type fakeExec struct {
	mu      sync.Mutex
	results map[string]fakeResult
	calls   []string
}

type fakeResult struct {
	res exec.Result
	err error
}

func newFakeExec() *fakeExec {
	return &fakeExec{results: make(map[string]fakeResult)}
}

func (f *fakeExec) on(cmd string, res exec.Result, err error) {
	f.results[cmd] = fakeResult{res: res, err: err}
}

func (f *fakeExec) Run(_ context.Context, cmd []string, _ *exec.Opts) (exec.Result, error) {
	key := strings.Join(cmd, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if r, ok := f.results[key]; ok {
		return r.res, r.err
	}
	return exec.Result{ExitCode: -1}, errors.New("executable file not found")
}

func (f *fakeExec) Start(context.Context, []string, *exec.Opts) (*exec.Process, error) {
	return nil, errors.New("fake executor cannot start processes")
}

func (f *fakeExec) Name() string { return "fake" }

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeHost is an in-memory machine: PATH entries, files and environment.
type fakeHost struct {
	mu          sync.Mutex
	bins        map[string]string
	files       map[string]fakeFile
	env         map[string]string
	lookPathHit int
}

type fakeFile struct {
	mode fs.FileMode
	data []byte
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		bins:  make(map[string]string),
		files: make(map[string]fakeFile),
		env:   make(map[string]string),
	}
}

func (h *fakeHost) addExecutable(p string) {
	h.files[p] = fakeFile{mode: 0o755}
}

func (h *fakeHost) addFile(p, content string) {
	h.files[p] = fakeFile{mode: 0o600, data: []byte(content)}
}

func (h *fakeHost) lookPath(name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookPathHit++
	if p, ok := h.bins[name]; ok {
		return p, nil
	}
	return "", errors.New("not found")
}

func (h *fakeHost) stat(p string) (os.FileInfo, error) {
	f, ok := h.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return fakeInfo{name: path.Base(p), mode: f.mode, size: int64(len(f.data))}, nil
}

func (h *fakeHost) readFile(p string) ([]byte, error) {
	f, ok := h.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return f.data, nil
}

func (h *fakeHost) getenv(k string) string {
	return h.env[k]
}

func (h *fakeHost) lookups() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lookPathHit
}

type fakeInfo struct {
	name string
	mode fs.FileMode
	size int64
}

func (i fakeInfo) Name() string       { return i.name }
func (i fakeInfo) Size() int64        { return i.size }
func (i fakeInfo) Mode() fs.FileMode  { return i.mode }
func (i fakeInfo) ModTime() time.Time { return time.Time{} }
func (i fakeInfo) IsDir() bool        { return false }
func (i fakeInfo) Sys() any           { return nil }

const testHome = "/home/dev"

func newTestProber(host *fakeHost, fx *fakeExec) *prober {
	return &prober{
		exec:        fx,
		lookPath:    host.lookPath,
		stat:        host.stat,
		readFile:    host.readFile,
		getenv:      host.getenv,
		home:        testHome,
		goos:        "linux",
		timeout:     time.Second,
		apiFallback: true,
		recorder:    metrics.Nop{},
		logger:      logx.NewLogger("provider-test"),
	}
}

// newTestRegistry returns a registry whose probes run against host and fx.
func newTestRegistry(host *fakeHost, fx *fakeExec) *Registry {
	r := NewRegistry(Options{Executor: fx})
	r.prober = newTestProber(host, fx)
	return r
}

// scriptedChat replays replies in order, then repeats the last one forever
// when repeat is set, or answers "done".
type scriptedChat struct {
	mu        sync.Mutex
	replies   []*chatReply
	repeat    *chatReply
	requests  []chatRequest
	verifyErr error
}

func (s *scriptedChat) complete(_ context.Context, req chatRequest) (*chatReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) > 0 {
		r := s.replies[0]
		s.replies = s.replies[1:]
		return r, nil
	}
	if s.repeat != nil {
		return s.repeat, nil
	}
	return &chatReply{text: "done"}, nil
}

func (s *scriptedChat) verify(context.Context) error {
	return s.verifyErr
}

// blockingChat waits for cancellation.
type blockingChat struct {
	started chan struct{}
}

func (b *blockingChat) complete(ctx context.Context, _ chatRequest) (*chatReply, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingChat) verify(context.Context) error { return nil }
