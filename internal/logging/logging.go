// Package logging builds the structured logger used by the rack commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mediarack/rack/internal/config"
)

// Stderr selects standard error instead of a rotated log file.
const Stderr = "-"

// Setup returns a JSON logger writing to cfg.File, rotated by size. The
// returned closer flushes and closes the log file.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	w, err := writerFor(cfg)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	return slog.New(handler), w, nil
}

func writerFor(cfg config.LoggingConfig) (io.WriteCloser, error) {
	if cfg.File == "" || cfg.File == Stderr {
		return nopCloser{os.Stderr}, nil
	}

	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// ParseLevel converts a string log level to slog.Level. Unknown levels map
// to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NullLogger returns a logger that discards all output
func NullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
