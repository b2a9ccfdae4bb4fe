package provider

import (
	"context"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"conductor/pkg/exec"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
)

// prober runs installation and auth probes. Every host interaction goes through
// a field so tests can substitute the machine.
type prober struct {
	exec     exec.Executor
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	readFile func(string) ([]byte, error)
	getenv   func(string) string
	home     string
	goos     string

	timeout     time.Duration
	apiFallback bool
	ollama      func(ctx context.Context) ([]string, error)

	recorder metrics.Recorder
	logger   *logx.Logger
}

func newHostProber(executor exec.Executor, timeout time.Duration, apiFallback bool, recorder metrics.Recorder, logger *logx.Logger) *prober {
	home, _ := os.UserHomeDir()
	return &prober{
		exec:        executor,
		lookPath:    osexec.LookPath,
		stat:        os.Stat,
		readFile:    os.ReadFile,
		getenv:      os.Getenv,
		home:        home,
		goos:        runtime.GOOS,
		timeout:     timeout,
		apiFallback: apiFallback,
		ollama:      localOllamaModels,
		recorder:    recorder,
		logger:      logger,
	}
}

type installProbe struct {
	name string
	run  func(ctx context.Context, s *spec) (method, path string)
}

// detect runs the installation probes in order; the first hit wins.
func (p *prober) detect(ctx context.Context, s *spec) InstallationStatus {
	probes := []installProbe{
		{"path", p.probePath},
		{"package-manager", p.probePackageManagers},
		{"platform", p.probePlatform},
		{"fixed-path", p.probeFixedPaths},
	}
	for _, probe := range probes {
		start := time.Now()
		method, path := probe.run(ctx, s)
		p.recorder.ObserveProbe(string(s.id), probe.name, path != "", time.Since(start))
		if path != "" {
			p.logger.Debug("%s found via %s at %s", s.id, method, path)
			return InstallationStatus{
				Installed: true,
				Method:    method,
				Path:      path,
				Version:   p.version(ctx, path),
				CheckedAt: time.Now(),
			}
		}
	}

	if p.apiFallback && s.hasAPI() {
		if key := p.firstEnv(s.apiKeyEnv); key != "" {
			p.logger.Debug("%s has no CLI, using API key from %s", s.id, key)
			return InstallationStatus{Installed: true, Method: MethodAPIKey, CheckedAt: time.Now()}
		}
	}
	return InstallationStatus{CheckedAt: time.Now()}
}

func (p *prober) probePath(_ context.Context, s *spec) (string, string) {
	for _, bin := range s.binaries {
		if path, err := p.lookPath(bin); err == nil {
			return MethodPath, path
		}
	}
	return "", ""
}

// probePackageManagers asks npm, pnpm and bun where their global binaries live.
func (p *prober) probePackageManagers(ctx context.Context, s *spec) (string, string) {
	if s.npmPackage == "" {
		return "", ""
	}
	managers := []struct {
		method string
		cmd    []string
		bin    func(out string) string
	}{
		{MethodNPM, []string{"npm", "prefix", "-g"}, func(out string) string {
			if p.goos == "windows" {
				return out
			}
			return filepath.Join(out, "bin")
		}},
		{MethodPNPM, []string{"pnpm", "bin", "-g"}, func(out string) string { return out }},
		{MethodBun, []string{"bun", "pm", "bin", "-g"}, func(out string) string { return out }},
	}
	for _, m := range managers {
		if _, err := p.lookPath(m.cmd[0]); err != nil {
			continue
		}
		out := p.output(ctx, m.cmd)
		if out == "" {
			continue
		}
		if path := p.findIn(m.bin(out), s.binaries); path != "" {
			return m.method, path
		}
	}
	return "", ""
}

// probePlatform checks Homebrew on macOS and Linux and Scoop shims on Windows.
func (p *prober) probePlatform(ctx context.Context, s *spec) (string, string) {
	switch p.goos {
	case "darwin", "linux":
		if s.brewFormula == "" {
			return "", ""
		}
		if _, err := p.lookPath("brew"); err != nil {
			return "", ""
		}
		prefix := p.output(ctx, []string{"brew", "--prefix"})
		if prefix == "" {
			return "", ""
		}
		if path := p.findIn(filepath.Join(prefix, "bin"), s.binaries); path != "" {
			return MethodBrew, path
		}
	case "windows":
		if s.scoopApp == "" {
			return "", ""
		}
		root := p.getenv("SCOOP")
		if root == "" {
			root = filepath.Join(p.home, "scoop")
		}
		if path := p.findIn(filepath.Join(root, "shims"), s.binaries); path != "" {
			return MethodScoop, path
		}
	}
	return "", ""
}

func (p *prober) probeFixedPaths(_ context.Context, s *spec) (string, string) {
	for _, fp := range s.fixedPaths {
		path := p.expand(fp)
		for _, candidate := range p.candidates(path) {
			if p.isExecutable(candidate) {
				return MethodFixedPath, candidate
			}
		}
	}
	return "", ""
}

// version runs "<bin> --version" and returns its first line.
func (p *prober) version(ctx context.Context, path string) string {
	out := p.output(ctx, []string{path, "--version"})
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out)
}

// output runs cmd with the probe timeout and returns trimmed stdout, or "" on any failure.
func (p *prober) output(ctx context.Context, cmd []string) string {
	res, err := p.exec.Run(ctx, cmd, &exec.Opts{Timeout: p.timeout})
	if err != nil || res.ExitCode != 0 {
		p.logger.Debug("probe %q failed: exit=%d err=%v", strings.Join(cmd, " "), res.ExitCode, err)
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

func (p *prober) findIn(dir string, binaries []string) string {
	for _, bin := range binaries {
		for _, candidate := range p.candidates(filepath.Join(dir, bin)) {
			if p.isExecutable(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// candidates lists the file names a binary may have on the current platform.
func (p *prober) candidates(path string) []string {
	if p.goos == "windows" {
		return []string{path + ".exe", path + ".cmd", path}
	}
	return []string{path}
}

func (p *prober) isExecutable(path string) bool {
	info, err := p.stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if p.goos == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

func (p *prober) expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(p.home, path[2:])
	}
	return path
}

// firstEnv returns the name of the first non-empty variable.
func (p *prober) firstEnv(keys []string) string {
	for _, k := range keys {
		if strings.TrimSpace(p.getenv(k)) != "" {
			return k
		}
	}
	return ""
}
