// Copyright (C) 2026 Joyi AI (oss@joyi.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Stella components.
//
// The package wraps Go's standard slog with multi-destination output
// tuned for a desktop application:
//
//   - Default: stderr output (text for humans, JSON with the JSON flag)
//   - Optional: daily log files under the app data directory
//   - Optional: a LogSink for forwarding entries to diagnostics surfaces
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.stella/logs",
//	    Service: "selfmod",
//	})
//	defer logger.Close()
//
//	logger.Info("boot started", "boot_id", bootID)
//
// File logs are named `{service}_{YYYY-MM-DD}.log` and are always JSON.
//
// # Log Levels
//
// Four levels are supported, matching slog conventions:
//
//   - Debug: development troubleshooting, verbose output
//   - Info: normal operations (boot phases, pack installs, state changes)
//   - Warn: recoverable issues (backend unavailable, degraded mode)
//   - Error: operation failures (the app continues)
//
// # Security Considerations
//
// Nothing here redacts sensitive data. Callers must not log signing
// key material, tokens, or file contents from the user zone:
//
//	// BAD: logs key material
//	logger.Info("keys loaded", "private_key", pem)
//
//	// GOOD: log metadata only
//	logger.Info("keys loaded", "fingerprint", fp)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity.
//
// Levels are ordered Debug < Info < Warn < Error. Setting a minimum
// level filters out everything below it.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations the app
	// can recover from.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level.
//
// Matching is case-insensitive and accepts the common spellings
// ("debug", "info", "warn", "warning", "error"). Unknown names
// return LevelInfo and a non-nil error.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior.
//
// A zero-value Config produces a logger that writes Info+ messages
// to stderr in text format.
type Config struct {
	// Level sets the minimum log level.
	// Default: LevelInfo
	Level Level

	// LogDir enables file logging to the given directory.
	//
	// When set, logs go to both stderr and a daily file named
	// "{Service}_{YYYY-MM-DD}.log". The directory is created with
	// 0750 permissions if missing. A leading ~ expands to the
	// user's home directory.
	//
	// Default: "" (file logging disabled)
	LogDir string

	// Service identifies the component generating logs. It is
	// attached to every entry as the "service" attribute.
	//
	// Default: "" (no service attribute)
	Service string

	// JSON switches stderr output to JSON. File logs are always
	// JSON regardless of this setting.
	//
	// Default: false (text on stderr)
	JSON bool

	// Quiet disables stderr output. Logs still reach the file and
	// the sink when those are configured.
	//
	// Default: false
	Quiet bool

	// Sink optionally receives every entry at or above Level,
	// asynchronously. Sink failures never disrupt logging.
	//
	// Default: nil
	Sink LogSink
}

// =============================================================================
// Sink Interface
// =============================================================================

// LogSink receives structured log entries for further processing.
//
// Implementations forward entries to diagnostics surfaces such as an
// in-app log viewer or a support bundle collector. Export is called
// asynchronously per entry with a short timeout; implementations
// should buffer internally and never block.
type LogSink interface {
	// Export delivers one entry. Errors are dropped by the caller.
	Export(ctx context.Context, entry Entry) error

	// Flush sends any buffered entries. Called during shutdown
	// with a 5-second timeout.
	Flush(ctx context.Context) error

	// Close releases resources. Called after Flush.
	Close() error
}

// Entry is a structured log entry handed to a LogSink.
type Entry struct {
	// Timestamp when the entry was generated (local time).
	Timestamp time.Time

	// Level of the entry.
	Level Level

	// Message is the primary log message.
	Message string

	// Service identifies the component (from Config.Service).
	Service string

	// Attrs holds the key-value attributes of the entry.
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with multi-destination output.
//
// Logger is safe for concurrent use. Call Close when done so the log
// file is synced and the sink is flushed:
//
//	logger := logging.New(cfg)
//	defer logger.Close()
//
// Use With to create a child logger carrying extra attributes:
//
//	packLogger := logger.With("component", "pack_pipeline")
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	sink   LogSink
	mu     sync.Mutex
}

// New creates a Logger from the given configuration.
//
// Destinations are assembled from config: stderr (unless Quiet), a
// daily log file (if LogDir is set), and the sink (if set). Failures
// opening the log file are tolerated; the logger falls back to the
// remaining destinations.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{
		config: config,
		sink:   config.Sink,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "stella"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// File logs are always JSON for machine processing.
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs a destination.
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a stderr-only logger at Info level with the
// "stella" service attribute.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "stella",
	})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a child Logger carrying additional attributes.
//
// The child shares the parent's file handle and sink; the parent is
// not modified.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		sink:   l.sink,
	}
}

// Slog returns the underlying slog.Logger.
//
// Stella services take *slog.Logger in their configs; this is the
// handle to pass down.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the sink, closes it, syncs the log file, and closes
// the file. It returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.sink.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush log sink: %w", err))
		}
		if err := l.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log sink: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to all destinations.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.sink != nil && level >= l.config.Level {
		entry := Entry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.sink.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out records to multiple slog handlers, which lets
// stderr stay text while the file stays JSON.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map for
// Entry.Attrs. Trailing keys without a value are dropped.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Sinks
// =============================================================================

// BufferedSink collects entries in memory.
//
// Useful in tests to verify log output:
//
//	sink := logging.NewBufferedSink()
//	logger := logging.New(logging.Config{Sink: sink})
//	logger.Info("hello", "key", "value")
type BufferedSink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedSink creates an empty BufferedSink.
func NewBufferedSink() *BufferedSink {
	return &BufferedSink{
		entries: make([]Entry, 0, 64),
	}
}

// Export appends the entry to the buffer.
func (s *BufferedSink) Export(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (s *BufferedSink) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *BufferedSink) Close() error { return nil }

// Entries returns a copy of the collected entries.
func (s *BufferedSink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

var _ LogSink = (*BufferedSink)(nil)
