// Package log provides structured logging for the airspace services:
// log/slog JSON records written to a size-rotated file, optionally mirrored
// to stderr for operators watching the console.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how much is logged.
type Config struct {
	// Level is one of debug, info, warn, error (default info)
	Level string `json:"level"`

	// Dir is the log directory (default "logs")
	Dir string `json:"dir"`

	// File is the log file name inside Dir (default "<service>.slog")
	File string `json:"file"`

	// MaxSizeMB rotates the file at this size (default 64)
	MaxSizeMB int `json:"max_size_mb"`

	// MaxAgeDays drops rotated files older than this (default 14)
	MaxAgeDays int `json:"max_age_days"`

	// Stderr also writes human-readable text records to stderr
	Stderr bool `json:"stderr"`
}

// Logger wraps slog.Logger. A nil *Logger is valid: debug and info
// messages are dropped, warnings and errors go to the default slog logger.
type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time
}

// New creates a logger for the named service.
func New(service string, cfg Config) *Logger {
	dir := cfg.Dir
	if dir == "" {
		dir = "logs"
	}
	file := cfg.File
	if file == "" {
		file = service + ".slog"
	}
	w := &lumberjack.Logger{
		Filename: filepath.Join(dir, file),
		MaxSize:  64, // MB
		MaxAge:   14,
		Compress: true,
	}
	if cfg.MaxSizeMB > 0 {
		w.MaxSize = cfg.MaxSizeMB
	}
	if cfg.MaxAgeDays > 0 {
		w.MaxAge = cfg.MaxAgeDays
	}

	lvl := ParseLevel(cfg.Level)
	var h slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	if cfg.Stderr {
		h = teeHandler{h, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})}
	}

	l := &Logger{
		Logger:  slog.New(h).With(slog.String("service", service)),
		LogFile: w.Filename,
		Start:   time.Now(),
	}
	l.Info("Hello logging",
		slog.Time("start", l.Start),
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("go", runtime.Version()))
	return l
}

// NewWriter returns a logger writing JSON records to w; used by tests and
// tools that already own their output.
func NewWriter(w io.Writer, level string) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Logger{Logger: slog.New(h), Start: time.Now()}
}

// ParseLevel maps a config string to a slog level, defaulting to info.
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

func (l *Logger) Debug(msg string, args ...any) {
	if l != nil {
		l.Logger.Debug(msg, args...)
	}
}

// Debugf is a convenience wrapper that logs just a message and allows
// printf-style formatting of the provided args.
func (l *Logger) Debugf(msg string, args ...any) {
	if l != nil && l.Logger.Enabled(context.Background(), slog.LevelDebug) {
		l.Logger.Debug(fmt.Sprintf(msg, args...))
	}
}

func (l *Logger) Info(msg string, args ...any) {
	if l != nil {
		l.Logger.Info(msg, args...)
	}
}

func (l *Logger) Infof(msg string, args ...any) {
	if l != nil && l.Logger.Enabled(context.Background(), slog.LevelInfo) {
		l.Logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *Logger) Warn(msg string, args ...any) {
	if l == nil {
		slog.Warn(msg, args...)
	} else {
		l.Logger.Warn(msg, args...)
	}
}

func (l *Logger) Warnf(msg string, args ...any) {
	l.Warn(fmt.Sprintf(msg, args...))
}

func (l *Logger) Error(msg string, args ...any) {
	if l == nil {
		slog.Error(msg, args...)
	} else {
		l.Logger.Error(msg, args...)
	}
}

func (l *Logger) Errorf(msg string, args ...any) {
	l.Error(fmt.Sprintf(msg, args...))
}

// With returns a logger that adds args to every record. With on a nil
// logger returns nil.
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		Logger:  l.Logger.With(args...),
		LogFile: l.LogFile,
		Start:   l.Start,
	}
}
