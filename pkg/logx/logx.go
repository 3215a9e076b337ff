// Package logx provides structured logging with run-scoped tagging and
// env-controlled debug domains.
package logx

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled log lines tagged with a run identifier.
type Logger struct {
	runID  string
	logger *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // Which domains to enable debug for (nil = all)
}

// LogEntry is a structured record kept in the in-memory tail buffer.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// tailBuffer keeps the most recent log entries for diagnostics.
type tailBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // Package-level debug config and tail buffer
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logBuffer = &tailBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}

	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(runID string) *Logger {
	return &Logger{
		runID:  runID,
		logger: log.New(os.Stderr, "", 0), // stderr keeps stdout clean for CLI output
	}
}

// SetDebug configures global debug logging at runtime.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.Enabled = enabled
	if len(domains) == 0 {
		debugConfig.Domains = nil
	} else {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range domains {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

// IsDebugEnabledForDomain reports whether debug logging is on for a domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

func (b *tailBuffer) add(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// RecentEntries returns a copy of buffered entries, optionally filtered by domain.
func RecentEntries(domain string) []LogEntry {
	logBuffer.mutex.RLock()
	defer logBuffer.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(logBuffer.entries))
	for i := range logBuffer.entries {
		entry := &logBuffer.entries[i]
		if domain != "" && entry.Domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.runID, level, message)

	logBuffer.add(&LogEntry{
		Timestamp: timestamp,
		RunID:     l.runID,
		Level:     string(level),
		Message:   message,
	})
}

func (l *Logger) Debug(format string, args ...any) {
	debugMutex.RLock()
	enabled := debugConfig.Enabled
	debugMutex.RUnlock()

	if !enabled {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) GetRunID() string {
	return l.runID
}

func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		runID:  runID,
		logger: l.logger,
	}
}

type runIDKey struct{}

// WithRunIDContext returns a context carrying the run identifier for Debug.
func WithRunIDContext(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// Debug logs a debug message with context and domain filtering.
//
// Environment variable control:
//
//	DEBUG=1                              # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=coverage       # Enable debug only for coverage domain
//	DEBUG=1 DEBUG_DOMAINS=gather,action  # Enable debug for multiple domains
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}

	runID := "system"
	if ctx != nil {
		if id := ctx.Value(runIDKey{}); id != nil {
			if idStr, ok := id.(string); ok {
				runID = idStr
			}
		}
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "[%s] [%s] %s: [%s] %s\n", timestamp, runID, LevelDebug, domain, message)

	logBuffer.add(&LogEntry{
		Timestamp: timestamp,
		RunID:     runID,
		Level:     string(LevelDebug),
		Message:   message,
		Domain:    domain,
	})
}

// DebugFlow logs workflow step information with context and domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

// Global logging functions for convenience.
//
//nolint:gochecknoglobals // Default logger for package-level helpers
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
