// Package logging builds the process logger. Text output always goes to
// stderr (stdout stays clean for anything piped through the gateway); when
// a log directory is configured a JSON handler additionally writes rotated
// files there.
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcpfleet/mcpfleet/internal/config"
)

const logFileName = "mcpfleet.log"

// New builds a logger from the logging config. The returned cleanup
// closes the file rotator and is safe to call when no file output is
// configured.
func New(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := ParseLevel(cfg.Level)

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	if cfg.Dir == "" {
		return slog.New(stderrHandler), func() {}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, err
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, logFileName),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	fileHandler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(&teeHandler{stderr: stderrHandler, file: fileHandler})
	cleanup := func() { _ = rotator.Close() }
	return logger, cleanup, nil
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// teeHandler fans each record out to the stderr and file handlers.
type teeHandler struct {
	stderr slog.Handler
	file   slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stderr.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.stderr.Enabled(ctx, record.Level) {
		if err := h.stderr.Handle(ctx, record); err != nil {
			return err
		}
	}
	if h.file.Enabled(ctx, record.Level) {
		return h.file.Handle(ctx, record)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{stderr: h.stderr.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{stderr: h.stderr.WithGroup(name), file: h.file.WithGroup(name)}
}
