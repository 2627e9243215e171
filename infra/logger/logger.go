package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	corelogger "github.com/kilianp07/fleetlive/core/logger"
)

// Logger mirrors the core logger interface.
type Logger = corelogger.Logger

// NopLogger implements Logger with no-op methods.
type NopLogger = corelogger.NopLogger

// Config selects level, format and destination of the process logs.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Format is "json" or "console". APP_ENV=dev forces console.
	Format string `json:"format"`
	// File, when set, receives logs in addition to stdout and is rotated.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.File != "" && c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Format)
	}
	return nil
}

var (
	mu     sync.RWMutex
	output io.Writer = os.Stdout
	level            = zerolog.InfoLevel
)

// Configure sets the process-wide destination and level used by loggers
// created afterwards. It returns a closer for the rotated file, if any.
func Configure(cfg Config) (io.Closer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := zerolog.ParseLevel(cfg.Level)

	var stdout io.Writer = os.Stdout
	if cfg.Format == "console" || strings.ToLower(os.Getenv("APP_ENV")) == "dev" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	var closer io.Closer = nopCloser{}
	w := stdout
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		w = zerolog.MultiLevelWriter(stdout, rot)
		closer = rot
	}

	mu.Lock()
	output = w
	level = lvl
	mu.Unlock()
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a Logger tagged with the given component.
func New(component string) Logger {
	mu.RLock()
	w, lvl := output, level
	mu.RUnlock()
	return NewZerologLogger(w, lvl, component)
}
