// Package klog configures the kernel simulator's structured logging:
// log/slog with either stderr or a size-rotated lumberjack file sink.
package klog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects where log lines go and the minimum level emitted.
type Options struct {
	// FilePath, when non-empty, routes output to a rotating file instead
	// of stderr.
	FilePath string
	// Level is one of "debug", "info", "warn", "error"; empty means info.
	Level string
	// MaxSizeMB caps one log file's size before rotation; 0 means 100.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files are kept; 0 keeps all.
	MaxBackups int
}

func parseLevel(s string) slog.Level {
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

// Setup installs the process-wide default slog logger per opts and
// returns it. Call once, from main, before booting the kernel.
func Setup(opts Options) *slog.Logger {
	var sink io.Writer = os.Stderr
	if opts.FilePath != "" {
		sink = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
	}
	h := slog.NewTextHandler(sink, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// ForHart returns a child logger tagged with the hart id, so concurrent
// harts' lines stay distinguishable in one stream — the simulator's
// analogue of the per-hart console coloring the real kernel does.
func ForHart(logger *slog.Logger, hart int) *slog.Logger {
	return logger.With("hart", hart)
}
