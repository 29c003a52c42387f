// =============================================================================
// CONFIG - Broker configuration file
// =============================================================================
//
// One YAML file configures the whole process:
//
//   server:
//     addr: ":8080"
//     read_timeout: 30s
//     write_timeout: 2m        # bounds long-poll fetches
//   broker:
//     data_dir: /var/lib/takhin
//     max_segment_bytes: 1073741824
//   logging:
//     level: info
//     encoding: json
//   auth:
//     enabled: true
//     api_keys: ["..."]
//
// Every section has working defaults; an empty file (or no file) starts a
// broker on :8080 with ./data. Validation accumulates every problem before
// reporting, so an operator fixes a broken file in one pass rather than one
// error per restart.
//
// =============================================================================

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"takhin/internal/broker"
	"takhin/internal/logger"
)

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig is the API-key auth section. Disabled by default.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// Config is the full broker process configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Broker  broker.Config `yaml:"broker"`
	Logging logger.Config `yaml:"logging"`
	Auth    AuthConfig    `yaml:"auth"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: 30 * time.Second,
			// Long-poll fetches hold the response open; the write timeout
			// must outlast the largest fetch timeout the API accepts.
			WriteTimeout: 2 * time.Minute,
		},
		Broker:  broker.DefaultConfig(),
		Logging: logger.DefaultConfig(),
	}
}

// Load reads path, layers it over the defaults, and validates. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ValidationError collects every problem found in one pass.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}
	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the configuration. Returns nil or a *ValidationError
// listing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr: must not be empty")
	} else if err := validateAddress(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Sprintf("server.addr: %v", err))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout: must not be negative")
	}
	if c.Server.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout: must not be negative")
	}

	if c.Broker.DataDir == "" {
		errs = append(errs, "broker.data_dir: must not be empty")
	} else {
		errs = append(errs, validateDataDir(c.Broker.DataDir)...)
	}
	if c.Broker.MaxSegmentBytes < 0 {
		errs = append(errs, "broker.max_segment_bytes: must not be negative")
	}
	if c.Broker.Group.SessionTimeout < 0 {
		errs = append(errs, "broker.group.session_timeout: must not be negative")
	}
	if c.Broker.Txn.Timeout < 0 {
		errs = append(errs, "broker.transactions.timeout: must not be negative")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.encoding: must be json or console, got %q", c.Logging.Encoding))
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth.api_keys: at least one key is required when auth is enabled")
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, fmt.Sprintf("auth.api_keys[%d]: must not be blank", i))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateDataDir checks that the data directory exists or can be created.
func validateDataDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return append(errs, fmt.Sprintf("broker.data_dir: cannot resolve path %q: %v", dir, err))
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("broker.data_dir: %q exists but is not a directory", absDir))
		}
		return errs
	}
	if !os.IsNotExist(err) {
		return append(errs, fmt.Sprintf("broker.data_dir: cannot access %q: %v", absDir, err))
	}

	// Directory does not exist yet; the parent must be reachable so the
	// broker can create it.
	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("broker.data_dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}
	return errs
}

// validateAddress checks host:port (or just :port) form.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
