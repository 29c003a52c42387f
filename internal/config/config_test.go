package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// KEY BEHAVIORS TO TEST:
// 1. Defaults start a usable broker with no file at all
// 2. A YAML file overrides only what it mentions
// 3. Validation reports every problem at once, not one per run

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Broker.DataDir != "data" {
		t.Errorf("default data_dir = %q, want data", cfg.Broker.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Auth.Enabled {
		t.Error("auth enabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "takhin.yaml")
	content := `
server:
  addr: ":9090"
broker:
  data_dir: ` + dir + `
  max_segment_bytes: 4096
  group:
    session_timeout: 10s
logging:
  level: debug
  encoding: console
auth:
  enabled: true
  api_keys: ["secret-key"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	// Untouched sections keep their defaults.
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("read_timeout = %v, want default 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Broker.MaxSegmentBytes != 4096 {
		t.Errorf("max_segment_bytes = %d, want 4096", cfg.Broker.MaxSegmentBytes)
	}
	if cfg.Broker.Group.SessionTimeout != 10*time.Second {
		t.Errorf("session_timeout = %v, want 10s", cfg.Broker.Group.SessionTimeout)
	}
	if cfg.Logging.Encoding != "console" {
		t.Errorf("encoding = %q, want console", cfg.Logging.Encoding)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 1 {
		t.Errorf("auth = %+v, want enabled with one key", cfg.Auth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/takhin.yaml"); err == nil {
		t.Error("Load(missing file) = nil error")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [not a mapping"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load(bad yaml) = nil error")
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = "no-port-here"
	cfg.Broker.DataDir = ""
	cfg.Logging.Level = "whisper"
	cfg.Auth.Enabled = true // no keys

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error type = %T, want *ValidationError", err)
	}
	if len(verr.Errors) != 4 {
		t.Errorf("Validate() found %d problems, want 4: %v", len(verr.Errors), verr.Errors)
	}
	for _, field := range []string{"server.addr", "broker.data_dir", "logging.level", "auth.api_keys"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error message missing %s: %s", field, err)
		}
	}
}

func TestValidateDataDirMustBeDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cfg := Default()
	cfg.Broker.DataDir = file
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted a file as data_dir")
	}
}

func TestValidateAcceptsMissingDataDirWithLiveParent(t *testing.T) {
	cfg := Default()
	cfg.Broker.DataDir = filepath.Join(t.TempDir(), "not-yet-created")
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil (broker creates the dir)", err)
	}
}
