// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"

relay:
  heartbeat_interval: "30s"
  connection_timeout: "90s"
  call_timeout: "45s"

collab:
  lock_timeout: "30m"
  sweep_interval: "60s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}

	if cfg.Relay.HeartbeatInterval != 30*time.Second {
		t.Errorf("Relay.HeartbeatInterval = %v, want %v", cfg.Relay.HeartbeatInterval, 30*time.Second)
	}
	if cfg.Relay.ConnectionTimeout != 90*time.Second {
		t.Errorf("Relay.ConnectionTimeout = %v, want %v", cfg.Relay.ConnectionTimeout, 90*time.Second)
	}
	if cfg.Relay.CallTimeout != 45*time.Second {
		t.Errorf("Relay.CallTimeout = %v, want %v", cfg.Relay.CallTimeout, 45*time.Second)
	}

	if cfg.Collab.LockTimeout != 30*time.Minute {
		t.Errorf("Collab.LockTimeout = %v, want %v", cfg.Collab.LockTimeout, 30*time.Minute)
	}
	if cfg.Collab.SweepInterval != 60*time.Second {
		t.Errorf("Collab.SweepInterval = %v, want %v", cfg.Collab.SweepInterval, 60*time.Second)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "expanded-secret")
	t.Setenv("TEST_RELAY_DB", "/tmp/relay.db")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${TEST_RELAY_DB}"
auth:
  jwt_secret: "${TEST_RELAY_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "expanded-secret")
	}
	if cfg.Database.Path != "/tmp/relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/relay.db")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${DEFINITELY_NOT_SET_RELAY_VAR}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error for empty jwt_secret, got nil")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("Load() error = %v, want mention of jwt_secret", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
relay:
  heartbeat_interval: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "heartbeat_interval") {
		t.Errorf("Load() error = %v, want mention of heartbeat_interval", err)
	}
}

func TestValidate_TimeoutOrdering(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
relay:
  heartbeat_interval: "90s"
  connection_timeout: "30s"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for connection_timeout <= heartbeat_interval, got nil")
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./test.db"
auth:
  jwt_secret: "secret"
`,
			want: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "secret"
`,
			want: "database.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
