package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/juju/lumberjack/v2"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"log_level"`
	Format string `yaml:"log_format"`
	File   string `yaml:"log_file"`

	// Rotation settings apply only when File is set.
	MaxSizeMB  int  `yaml:"log_max_size_mb"`
	MaxBackups int  `yaml:"log_max_backups"`
	MaxAgeDays int  `yaml:"log_max_age_days"`
	Compress   bool `yaml:"log_compress"`
}

// ParseLogLevel parses a textual log level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds the process logger. When cfg.File is set output is rotated by lumberjack,
// otherwise it goes to stdout.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		output io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotator
		closer = rotator
	}

	return NewLoggerTo(output, cfg.Format, level), closer, nil
}

// NewLoggerTo builds a logger writing to w in the given format ("json" or "text").
func NewLoggerTo(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// DiscardLogger returns a logger that drops everything; used by tests and optional components.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
