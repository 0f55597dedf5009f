// Package logging builds the process zerolog logger and carries request
// scoped loggers through context.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level" toml:"level"`
	Output      string `json:"output" yaml:"output" toml:"output"` // "stdout", "stderr", or file path
	Component   string `json:"component" yaml:"component" toml:"component"`
	IncludeFile bool   `json:"include_file" yaml:"include_file" toml:"include_file"`
	JSONFormat  bool   `json:"json_format" yaml:"json_format" toml:"json_format"`

	// File rotation, only used when Output is a path.
	MaxSizeMB  int  `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int  `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress" toml:"compress"`
	// Tee also writes to stdout when logging to a file.
	Tee bool `json:"tee" yaml:"tee" toml:"tee"`
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = zerolog.New(os.Stdout).With().Timestamp().Str("component", "app").Logger()
)

// ParseLevel converts a string to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warning":
		return zerolog.WarnLevel
	case "":
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// New creates a logger from cfg. The returned closer releases the log file,
// if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	out, closer, err := openOutput(cfg)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if !cfg.JSONFormat {
		_, toStd := closer.(nopCloser)
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "06-01-02 15:04:05", NoColor: !toStd}
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	if cfg.IncludeFile {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openOutput(cfg Config) (io.Writer, io.Closer, error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    withDefault(cfg.MaxSizeMB, 100),
		MaxBackups: withDefault(cfg.MaxBackups, 5),
		MaxAge:     withDefault(cfg.MaxAgeDays, 14),
		Compress:   cfg.Compress,
	}
	if cfg.Tee {
		return io.MultiWriter(os.Stdout, file), file, nil
	}
	return file, file, nil
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Default returns the process logger.
func Default() zerolog.Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process logger and the global zerolog level.
func SetDefault(l zerolog.Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	zerolog.SetGlobalLevel(l.GetLevel())
}

// Component returns the default logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Default().With().Str("component", name).Logger()
}

// Timed logs msg with the elapsed time since start at debug level, or warn
// when it exceeded slow.
func Timed(l zerolog.Logger, start time.Time, slow time.Duration, msg string) {
	elapsed := time.Since(start)
	ev := l.Debug()
	if slow > 0 && elapsed > slow {
		ev = l.Warn()
	}
	ev.Dur("duration", elapsed).Msg(msg)
}
