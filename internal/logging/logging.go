/*
Package logging configures structured logging for fgwd.

Records go to a console handler (text, for operators) and, when a log
directory is set, to a size-rotated JSON file for later analysis. Rotation
is handled by lumberjack.
*/
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file created inside the log directory.
const FileName = "fgwd.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Console receives the text output. If nil, os.Stderr is used.
	Console io.Writer
	// Extra handlers receive every record as well, filtered by their own level.
	Extra []slog.Handler
}

// Setup creates a logger that writes to the console and optionally to a
// rotated log file. The returned cleanup closes the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	fanout := multiHandler{slog.NewTextHandler(console, opts)}
	fanout = append(fanout, cfg.Extra...)

	if cfg.LogDir == "" {
		return slog.New(fanout), func() {}
	}

	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
		logger = slog.New(fanout)
		logger.Warn("failed to create log directory, file logging disabled",
			"dir", cfg.LogDir,
			"error", err,
		)
		return logger, func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, FileName),
		MaxSize:    10, // MB per file
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	fanout = append(fanout, slog.NewJSONHandler(lj, opts))

	return slog.New(fanout), func() { _ = lj.Close() }
}

// multiHandler fans out log records to several handlers.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
