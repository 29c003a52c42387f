// Package logger wraps zap with the small amount of configuration the
// broker needs: a level, an encoding, and a component name attached to
// every message so multi-subsystem output stays greppable.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls how the root logger is built.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Encoding is "json" (production) or "console" (development).
	Encoding string `yaml:"encoding"`

	// OutputPath is a file path or "stdout"/"stderr".
	OutputPath string `yaml:"output_path"`
}

// DefaultConfig returns the settings used when no logging section is
// present in the broker config file.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Encoding:   "json",
		OutputPath: "stderr",
	}
}

// New builds a zap logger from cfg. The returned logger is safe for
// concurrent use; callers derive per-subsystem loggers with Named.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Encoding
	if cfg.Encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	log, err := zc.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}

// Must is New for program start, where a broken logging config is fatal.
func Must(cfg Config) *zap.Logger {
	log, err := New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

// Nop returns a logger that discards everything. Tests use it so broker
// components never need a nil check before logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}
