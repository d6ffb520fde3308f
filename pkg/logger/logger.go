// Package logger provides structured logging using slog with hostname tracking
// and short source file paths, shared by the relay server and the client CLI.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// Fields represents structured log fields.
type Fields map[string]any

// Options tune the handler built by NewWithOptions.
type Options struct {
	Level slog.Leveler // defaults to slog.LevelInfo
	JSON  bool
}

var (
	defaultLogger atomic.Pointer[slog.Logger]
	// hostname is cached on init; every record carries it as "instance".
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	defaultLogger.Store(New(os.Stderr))
}

// New creates a text logger at info level with hostname and short source paths.
func New(w io.Writer) *slog.Logger {
	return NewWithOptions(w, Options{})
}

// NewWithOptions creates a logger with the given level and encoding.
func NewWithOptions(w io.Writer, o Options) *slog.Logger {
	level := o.Level
	if level == nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if o.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("instance", hostname)
}

// ParseLevel maps debug/info/warn/error (case-insensitive) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetDefault sets the default logger.
func SetDefault(l *slog.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the default logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// Hostname returns the cached hostname.
func Hostname() string {
	return hostname
}

// Info logs an info message with optional fields.
func Info(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelInfo, msg, attrsFromFields(fields)...)
}

// Warn logs a warning message with optional fields.
func Warn(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelWarn, msg, attrsFromFields(fields)...)
}

// Error logs an error message with optional fields. A nil err is omitted.
func Error(ctx context.Context, msg string, err error, fields Fields) {
	attrs := attrsFromFields(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	Default().LogAttrs(ctx, slog.LevelError, msg, attrs...)
}

// Debug logs a debug message with optional fields.
func Debug(ctx context.Context, msg string, fields Fields) {
	Default().LogAttrs(ctx, slog.LevelDebug, msg, attrsFromFields(fields)...)
}

// attrsFromFields converts Fields to attributes in key order so output is stable.
func attrsFromFields(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(fields)+1)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}
