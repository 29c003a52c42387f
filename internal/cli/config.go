// =============================================================================
// CLI CONFIGURATION - CONFIG FILE AND CONTEXT MANAGEMENT
// =============================================================================
//
// Configuration for the takhin CLI, supporting:
//   - Multiple broker contexts (like kubectl contexts)
//   - Config file (~/.takhin/config.yaml)
//   - Environment variable overrides
//   - Command-line flag overrides
//
// CONFIGURATION PRECEDENCE (highest to lowest):
//   1. Command-line flags (--server, --context)
//   2. Environment variables (TAKHIN_SERVER, TAKHIN_CONTEXT)
//   3. Config file (current-context determines active broker)
//   4. Default values (http://localhost:8080)
//
// CONFIG FILE FORMAT (~/.takhin/config.yaml):
//
//   current-context: production
//   contexts:
//     local:
//       server: http://localhost:8080
//     production:
//       server: https://takhin.prod.example.com
//       api-key: "prod-key-456"
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration file.
type Config struct {
	// CurrentContext is the name of the active context
	CurrentContext string `yaml:"current-context"`

	// Contexts maps context names to their configurations
	Contexts map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig contains configuration for a single broker context.
type ContextConfig struct {
	// Server is the base URL of the takhin broker
	Server string `yaml:"server"`

	// APIKey for bearer authentication (optional)
	APIKey string `yaml:"api-key,omitempty"`

	// Timeout in seconds (optional, default 30)
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.takhin).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".takhin"
	}
	return filepath.Join(home, ".takhin")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// LoadConfig loads configuration from the default path.
func LoadConfig() (*Config, error) {
	return LoadConfigFromPath(DefaultConfigPath())
}

// LoadConfigFromPath loads configuration from a specific path. A missing
// file yields the default single-context config, not an error.
func LoadConfigFromPath(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if config.Contexts == nil {
		config.Contexts = make(map[string]*ContextConfig)
	}
	return &config, nil
}

// DefaultConfig returns a default configuration pointing at localhost.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {
				Server:  "http://localhost:8080",
				Timeout: 30,
			},
		},
	}
}

// Save saves the configuration to the default path.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultConfigPath())
}

// SaveToPath saves the configuration to a specific path. API keys may be in
// the file, so it is written 0600.
func (c *Config) SaveToPath(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// GetCurrentContext returns the current context configuration.
func (c *Config) GetCurrentContext() (*ContextConfig, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}
	ctx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		return nil, fmt.Errorf("context %q not found", c.CurrentContext)
	}
	return ctx, nil
}

// GetContext returns a specific context by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext sets or updates a context.
func (c *Config) SetContext(name string, ctx *ContextConfig) {
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
}

// DeleteContext removes a context.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// UseContext sets the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns all context names.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	return names
}

// Environment variable names
const (
	EnvServer  = "TAKHIN_SERVER"
	EnvContext = "TAKHIN_CONTEXT"
	EnvAPIKey  = "TAKHIN_API_KEY"
)

// ResolveServer determines the server URL to use.
// Precedence: flag > env > config > default.
func ResolveServer(flagValue string, config *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvServer); env != "" {
		return env
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil && ctx.Server != "" {
			return ctx.Server
		}
	}
	return "http://localhost:8080"
}

// ResolveAPIKey determines the API key to use with the same precedence.
func ResolveAPIKey(flagValue string, config *Config) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvAPIKey); env != "" {
		return env
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil {
			return ctx.APIKey
		}
	}
	return ""
}
