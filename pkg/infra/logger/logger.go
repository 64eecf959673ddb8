// Package logger provides structured logging for hookflow.
// It wraps log/slog with level/format configuration, an optional append-only
// file sink for detached processes, and context enrichment with the session,
// pipeline and run being processed.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// contextKey is a private type for context keys in this package.
type contextKey int

const (
	sessionKey contextKey = iota
	pipelineKey
	runKey
)

var (
	defaultLogger *slog.Logger
	sink          *os.File
	once          sync.Once
	mu            sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the writer to log to (defaults to os.Stderr).
	Output io.Writer
	// File, when set and Output is nil, is opened in append mode and used
	// as the output.
	File string
	// AddSource adds source file:line to log entries.
	AddSource bool
}

// Init initializes the default logger with the given configuration.
// It is safe to call multiple times; only the first call takes effect.
// Use Reset() followed by Init() to reconfigure.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	once.Do(func() {
		err = initLogger(cfg)
	})
	return err
}

// Reset resets the default logger so Init can be called again, closing
// any file sink.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	once = sync.Once{}
	defaultLogger = nil
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
}

func initLogger(cfg Config) error {
	output := cfg.Output
	if output == nil && cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = f
		output = f
	}
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	defaultLogger = slog.New(handler).With("pid", os.Getpid())
	slog.SetDefault(defaultLogger)
	return nil
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the default logger instance.
// If Init() has not been called, returns slog's default logger.
func Default() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l == nil {
		return slog.Default()
	}
	return l
}

// WithContext returns a logger enriched with context values
// (session, pipeline, run) if they are present.
func WithContext(ctx context.Context) *slog.Logger {
	l := Default()

	if sid, ok := ctx.Value(sessionKey).(int64); ok && sid != 0 {
		l = l.With("session", sid)
	}
	if p, ok := ctx.Value(pipelineKey).(string); ok && p != "" {
		l = l.With("pipeline", p)
	}
	if r, ok := ctx.Value(runKey).(string); ok && r != "" {
		l = l.With("run", r)
	}

	return l
}

// SetSession adds a session ID to the context.
func SetSession(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SetPipeline adds a pipeline name to the context.
func SetPipeline(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, pipelineKey, name)
}

// SetRun adds a run ID to the context.
func SetRun(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey, id)
}

// GetSession extracts the session ID from the context.
func GetSession(ctx context.Context) int64 {
	if id, ok := ctx.Value(sessionKey).(int64); ok {
		return id
	}
	return 0
}

// GetPipeline extracts the pipeline name from the context.
func GetPipeline(ctx context.Context) string {
	if name, ok := ctx.Value(pipelineKey).(string); ok {
		return name
	}
	return ""
}

// Convenience functions that delegate to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
