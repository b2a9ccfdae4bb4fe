// Package logx provides component-tagged logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes lines of the form "[ts] [component] LEVEL: message".
type Logger struct {
	component string
	logger    *log.Logger
}

// Entry is one captured log line.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// Buffer is a bounded in-memory ring of recent entries.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

type debugSettings struct {
	enabled  bool
	domains  map[string]bool // nil means every domain
	filePath string
	minLevel Level
}

var (
	settingsMu sync.RWMutex
	settings   = debugSettings{minLevel: LevelInfo}

	outputMu sync.RWMutex
	output   io.Writer = os.Stderr

	fileMu sync.Mutex

	recent = NewBuffer(1000)
)

func init() { //nolint:gochecknoinits // env-driven debug switches
	loadEnv()
}

func loadEnv() {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		settings.enabled = true
		settings.minLevel = LevelDebug
	}
	if v := os.Getenv("DEBUG_DOMAINS"); v != "" {
		settings.domains = parseDomains(strings.Split(v, ","))
	}
	settings.filePath = os.Getenv("DEBUG_FILE")
}

func parseDomains(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, d := range list {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NewLogger returns a logger tagged with component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(writer{}, "", 0),
	}
}

// writer forwards to the current package output so SetOutput affects existing loggers.
type writer struct{}

func (writer) Write(p []byte) (int, error) {
	outputMu.RLock()
	w := output
	outputMu.RUnlock()
	return w.Write(p)
}

// SetOutput redirects every logger and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	prev := output
	output = w
	return prev
}

// SetLevel sets the minimum level printed by component loggers.
func SetLevel(level Level) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settings.minLevel = level
	if level == LevelDebug {
		settings.enabled = true
	}
}

// SetDebug toggles debug output and restricts it to domains (none means all).
func SetDebug(enabled bool, domains ...string) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settings.enabled = enabled
	settings.domains = parseDomains(domains)
	if enabled {
		settings.minLevel = LevelDebug
	} else if settings.minLevel == LevelDebug {
		settings.minLevel = LevelInfo
	}
}

// IsDebugEnabledForDomain reports whether Debug(ctx, domain, ...) would print.
func IsDebugEnabledForDomain(domain string) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if !settings.enabled {
		return false
	}
	return settings.domains == nil || settings.domains[domain]
}

func enabled(level Level) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return levelRank[level] >= levelRank[settings.minLevel]
}

// Component returns the tag printed on each line.
func (l *Logger) Component() string {
	return l.component
}

// WithSession returns a logger whose tag is "component/sessionID".
func (l *Logger) WithSession(sessionID string) *Logger {
	if sessionID == "" {
		return l
	}
	return &Logger{component: l.component + "/" + sessionID, logger: l.logger}
}

func (l *Logger) emit(level Level, domain, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message)
	l.logger.Println(line)

	recent.Add(Entry{
		Timestamp: timestamp,
		Component: l.component,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})

	if level == LevelDebug {
		appendDebugFile(line)
	}
}

func (l *Logger) Debug(format string, args ...any) {
	if !enabled(LevelDebug) {
		return
	}
	l.emit(LevelDebug, "", format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	if !enabled(LevelInfo) {
		return
	}
	l.emit(LevelInfo, "", format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	if !enabled(LevelWarn) {
		return
	}
	l.emit(LevelWarn, "", format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.emit(LevelError, "", format, args...)
}

type ctxKey struct{}

// WithComponent stores the component used by Debug(ctx, ...) lines.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

// Debug logs a domain-scoped debug line. DEBUG=1 enables it and DEBUG_DOMAINS=a,b filters it.
//
//	logx.Debug(ctx, "provider", "probe %s: %v", name, ok)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	component := "system"
	if ctx != nil {
		if c, ok := ctx.Value(ctxKey{}).(string); ok && c != "" {
			component = c
		}
	}
	NewLogger(component).emit(LevelDebug, domain, "[%s] %s", domain, fmt.Sprintf(format, args...))
}

func appendDebugFile(line string) {
	settingsMu.RLock()
	path := settings.filePath
	settingsMu.RUnlock()
	if path == "" {
		return
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

// NewBuffer returns a ring holding at most maxSize entries.
func NewBuffer(maxSize int) *Buffer {
	return &Buffer{maxSize: maxSize}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// Entries returns a copy filtered by minimum level (empty means all) and component prefix.
func (b *Buffer) Entries(minLevel Level, componentPrefix string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, 0, len(b.entries))
	for i := range b.entries {
		e := &b.entries[i]
		if minLevel != "" && levelRank[Level(e.Level)] < levelRank[minLevel] {
			continue
		}
		if componentPrefix != "" && !strings.HasPrefix(e.Component, componentPrefix) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Recent returns captured entries from the process-wide buffer.
func Recent(minLevel Level, componentPrefix string) []Entry {
	return recent.Entries(minLevel, componentPrefix)
}

var defaultLogger = NewLogger("system")

// Errorf logs and returns the formatted error.
//
//	return logx.Errorf("open store: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err and returns the wrapped error. A nil err returns nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
