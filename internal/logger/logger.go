package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted by ParseLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config describes where the service log goes.
// When File is empty records go to the console (stderr), colored when Color is set.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string // debug, info, warn, error (default info)
	File       string // optional service log file, rotated
	Color      bool   // ANSI level colors on console output
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files

	// Console overrides the console destination; nil means os.Stderr.
	Console io.Writer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ParseLevel maps a level name to slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", LevelInfo:
		return slog.LevelInfo, nil
	case LevelDebug:
		return slog.LevelDebug, nil
	case LevelWarn, "warning":
		return slog.LevelWarn, nil
	case LevelError:
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the service logger. The returned closer releases the log file, if any.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.File != "" {
		w := c.Writer()
		return slog.New(slog.NewTextHandler(w, opts)), w, nil
	}

	console := c.Console
	if console == nil {
		console = os.Stderr
	}
	if c.Color {
		return slog.New(NewColorTextHandler(console, opts, true)), nopCloser{}, nil
	}
	return slog.New(slog.NewTextHandler(console, opts)), nopCloser{}, nil
}

// Writer returns the rotating writer for File, or nil when no file is configured.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
