package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Options selects the handler, level and destination of a logger
type Options struct {
	Type   string // "console" or "file"
	Level  string
	Format string // "text" or "json"
	File   string
}

// LevelManager allows the minimum level to be changed at runtime
type LevelManager struct {
	level slog.LevelVar
	mu    sync.Mutex
}

var globalLevel = &LevelManager{}

// GetLevelManager returns the process wide level manager
func GetLevelManager() *LevelManager {
	return globalLevel
}

// SetLevel sets the current log level
func (m *LevelManager) SetLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// GetLevel returns the current log level
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from opts. The returned closer releases the log file
// when file output is used.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := StringToLevel(opts.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", err, opts.Level)
	}
	globalLevel.SetLevel(level)

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if opts.Type == "file" {
		if opts.File == "" {
			return nil, nil, errors.New("file path must be specified for file logger")
		}
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	return slog.New(newHandler(out, opts.Format)), closer, nil
}

func newHandler(w io.Writer, format string) slog.Handler {
	hopts := &slog.HandlerOptions{
		Level:       &globalLevel.level,
		ReplaceAttr: sanitizeAttr,
	}
	if format == "json" {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
}

// sanitizeAttr redacts sensitive values and flattens string values to a
// single line so client supplied data cannot forge log records.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(keyLower, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}

	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// sanitizeMessage normalizes a log message to a single line and removes
// control characters other than tab.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}

	return b.String()
}
