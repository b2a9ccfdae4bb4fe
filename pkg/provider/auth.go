package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"conductor/pkg/exec"
)

const defaultOllamaHost = "http://localhost:11434"

// checkAuth collects every auth signal. The status command is advisory: a
// timeout or failure to run is "unknown" and the file and env checks still decide.
func (p *prober) checkAuth(ctx context.Context, s *spec, inst InstallationStatus) AuthStatus {
	var signals []AuthSignal
	if s.status != nil && inst.Installed && inst.Path != "" {
		signals = append(signals, p.timed(s, SourceStatus, func() AuthSignal {
			return p.statusSignal(ctx, s, inst.Path)
		}))
	}
	if len(s.credentials) > 0 {
		signals = append(signals, p.timed(s, SourceCredentials, func() AuthSignal {
			return p.credentialSignal(s)
		}))
	}
	if len(s.envKeys) > 0 {
		signals = append(signals, p.timed(s, SourceEnv, func() AuthSignal {
			return p.envSignal(s)
		}))
	}
	if s.id == OpenCode && p.ollama != nil {
		signals = append(signals, p.timed(s, SourceLocal, func() AuthSignal {
			return p.ollamaSignal(ctx)
		}))
	}

	status := AuthStatus{Signals: signals, CheckedAt: time.Now()}
	for _, sig := range signals {
		if sig.OK {
			status.Authenticated = true
			status.Method = sig.Source
			break
		}
	}
	return status
}

func (p *prober) timed(s *spec, source string, fn func() AuthSignal) AuthSignal {
	start := time.Now()
	sig := fn()
	p.recorder.ObserveProbe(string(s.id), "auth-"+source, sig.OK, time.Since(start))
	return sig
}

func (p *prober) statusSignal(ctx context.Context, s *spec, binary string) AuthSignal {
	cmd := append([]string{binary}, s.status.args...)
	res, err := p.exec.Run(ctx, cmd, &exec.Opts{Timeout: p.timeout})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || res.Canceled {
			return AuthSignal{Source: SourceStatus, Detail: "unknown: status check timed out"}
		}
		return AuthSignal{Source: SourceStatus, Detail: fmt.Sprintf("unknown: %v", err)}
	}

	out := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	for _, m := range s.status.failMarkers {
		if strings.Contains(out, m) {
			return AuthSignal{Source: SourceStatus, Detail: "not logged in"}
		}
	}
	if res.ExitCode != 0 {
		return AuthSignal{Source: SourceStatus, Detail: fmt.Sprintf("status exited with code %d", res.ExitCode)}
	}
	if len(s.status.okMarkers) == 0 {
		return AuthSignal{Source: SourceStatus, OK: true, Detail: "status ok"}
	}
	for _, m := range s.status.okMarkers {
		if strings.Contains(out, m) {
			return AuthSignal{Source: SourceStatus, OK: true, Detail: firstLine(res.Stdout)}
		}
	}
	return AuthSignal{Source: SourceStatus, Detail: "unknown: unrecognised status output"}
}

// credentialSignal looks for a non-empty token field in the provider's credential files.
// Only the file and field names are reported, never values.
func (p *prober) credentialSignal(s *spec) AuthSignal {
	for _, cf := range s.credentials {
		data, err := p.readFile(p.expand(cf.path))
		if err != nil {
			continue
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			p.logger.Debug("credential file %s is not JSON: %v", cf.path, err)
			continue
		}
		for _, field := range cf.fields {
			if hasField(doc, field) {
				return AuthSignal{Source: SourceCredentials, OK: true, Detail: cf.path + ":" + field}
			}
		}
	}
	return AuthSignal{Source: SourceCredentials, Detail: "no credentials found"}
}

func (p *prober) envSignal(s *spec) AuthSignal {
	var present []string
	for _, k := range s.envKeys {
		if strings.TrimSpace(p.getenv(k)) != "" {
			present = append(present, k)
		}
	}
	if len(present) == 0 {
		return AuthSignal{Source: SourceEnv, Detail: "no credential variables set"}
	}
	return AuthSignal{Source: SourceEnv, OK: true, Detail: strings.Join(present, ",")}
}

func (p *prober) ollamaSignal(ctx context.Context) AuthSignal {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	models, err := p.ollama(ctx)
	if err != nil {
		return AuthSignal{Source: SourceLocal, Detail: "ollama not reachable"}
	}
	return AuthSignal{Source: SourceLocal, OK: true, Detail: fmt.Sprintf("ollama reachable (%d local models)", len(models))}
}

// hasField searches doc recursively for key holding a non-empty value.
func hasField(doc any, key string) bool {
	switch v := doc.(type) {
	case map[string]any:
		if val, ok := v[key]; ok {
			switch val := val.(type) {
			case string:
				if strings.TrimSpace(val) != "" {
					return true
				}
			case map[string]any:
				if len(val) > 0 {
					return true
				}
			}
		}
		for _, child := range v {
			if hasField(child, key) {
				return true
			}
		}
	case []any:
		for _, child := range v {
			if hasField(child, key) {
				return true
			}
		}
	}
	return false
}

// localOllamaModels pings the Ollama server named by OLLAMA_HOST (or the default
// local one) and lists its models.
func localOllamaModels(ctx context.Context) ([]string, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = defaultOllamaHost
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	client := api.NewClient(u, http.DefaultClient)
	if err := client.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("ollama heartbeat failed: %w", err)
	}
	list, err := client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("ollama list failed: %w", err)
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
