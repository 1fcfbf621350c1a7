package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Coordinator.ID != "a2a-coordinator" {
		t.Errorf("Coordinator.ID = %q, want %q", cfg.Coordinator.ID, "a2a-coordinator")
	}
	if cfg.Consensus.DefaultThreshold != 0.67 {
		t.Errorf("DefaultThreshold = %g, want 0.67", cfg.Consensus.DefaultThreshold)
	}
	if got := cfg.Gateway.Limits["functions"].Limit; got != 200 {
		t.Errorf("functions limit = %d, want 200", got)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.Workers != 8 {
		t.Errorf("expected defaults, got Workers=%d", cfg.Coordinator.Workers)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
coordinator:
  id: "coord-eu"
  stale_after: 90s
consensus:
  default_threshold: 0.8
gateway:
  addr: "0.0.0.0:9000"
  limits:
    agents: {limit: 10, window: 30s}
  routes:
    - path: "/api/agents/:id/tasks"
      agent: "planner"
      auth_required: true
store:
  driver: sqlite
  path: /var/lib/a2a/store.db
logger:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.ID != "coord-eu" {
		t.Errorf("Coordinator.ID = %q, want %q", cfg.Coordinator.ID, "coord-eu")
	}
	if cfg.Coordinator.StaleAfter != 90*time.Second {
		t.Errorf("StaleAfter = %v, want 90s", cfg.Coordinator.StaleAfter)
	}
	if cfg.Consensus.DefaultThreshold != 0.8 {
		t.Errorf("DefaultThreshold = %g, want 0.8", cfg.Consensus.DefaultThreshold)
	}
	if l := cfg.Gateway.Limits["agents"]; l.Limit != 10 || l.Window != 30*time.Second {
		t.Errorf("agents limit = %+v, want 10/30s", l)
	}
	if len(cfg.Gateway.Routes) != 1 || cfg.Gateway.Routes[0].Agent != "planner" {
		t.Errorf("Routes = %+v", cfg.Gateway.Routes)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Store.Driver = %q, want sqlite", cfg.Store.Driver)
	}
	// Untouched sections keep their defaults.
	if cfg.Scoring.SuccessWeight != 0.4 {
		t.Errorf("SuccessWeight = %g, want 0.4", cfg.Scoring.SuccessWeight)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.toml", `
[coordinator]
id = "coord-toml"
retention = "2h"

[gateway]
addr = "127.0.0.1:7000"

[[gateway.routes]]
path = "/api/reports"
url = "http://reports:9000"

[gateway.auth]
api_keys = [{ name = "ops", key = "k-1" }]

[analysis]
provider = "anthropic"
model = "claude-haiku"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Coordinator.ID != "coord-toml" {
		t.Errorf("Coordinator.ID = %q, want %q", cfg.Coordinator.ID, "coord-toml")
	}
	if cfg.Coordinator.Retention != 2*time.Hour {
		t.Errorf("Retention = %v, want 2h", cfg.Coordinator.Retention)
	}
	if len(cfg.Gateway.Routes) != 1 || cfg.Gateway.Routes[0].URL != "http://reports:9000" {
		t.Errorf("Routes = %+v", cfg.Gateway.Routes)
	}
	if len(cfg.Gateway.Auth.APIKeys) != 1 || cfg.Gateway.Auth.APIKeys[0].Name != "ops" {
		t.Errorf("APIKeys = %+v", cfg.Gateway.Auth.APIKeys)
	}
	if cfg.Analysis.Provider != "anthropic" {
		t.Errorf("Analysis.Provider = %q, want anthropic", cfg.Analysis.Provider)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "coordinator: [oops")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadInsecurePermissions(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", "logger:\n  level: info\n")
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Errorf("Load error = %v, want insecure permissions", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := writeConfigFile(t, t.TempDir(), "config.yaml", `
store:
  driver: redis
gateway:
  addr: "no-port"
`)
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Load error = %v, want *ValidationError", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("A2A_COORDINATOR_ID", "coord-env")
	t.Setenv("A2A_COORDINATOR_WORKERS", "3")
	t.Setenv("A2A_COORDINATOR_CAPABILITIES", "coordination, routing ,")
	t.Setenv("A2A_GATEWAY_ADDR", "0.0.0.0:1234")
	t.Setenv("A2A_GATEWAY_ENABLED", "false")
	t.Setenv("A2A_GATEWAY_API_KEY", "env-key")
	t.Setenv("A2A_STORE_DRIVER", "null")
	t.Setenv("A2A_LOGGER_LEVEL", "warn")
	t.Setenv("A2A_TRACER_ENABLED", "true")
	t.Setenv("A2A_CONSENSUS_DEFAULT_THRESHOLD", "0.9")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Coordinator.ID != "coord-env" {
		t.Errorf("ID = %q, want coord-env", cfg.Coordinator.ID)
	}
	if cfg.Coordinator.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Coordinator.Workers)
	}
	if got := strings.Join(cfg.Coordinator.Capabilities, "|"); got != "coordination|routing" {
		t.Errorf("Capabilities = %q", got)
	}
	if cfg.Gateway.Addr != "0.0.0.0:1234" || cfg.Gateway.Enabled {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
	if len(cfg.Gateway.Auth.APIKeys) != 1 || cfg.Gateway.Auth.APIKeys[0].Key != "env-key" {
		t.Errorf("APIKeys = %+v", cfg.Gateway.Auth.APIKeys)
	}
	if cfg.Store.Driver != "null" {
		t.Errorf("Store.Driver = %q, want null", cfg.Store.Driver)
	}
	if cfg.Logger.Level != "warn" {
		t.Errorf("Logger.Level = %q, want warn", cfg.Logger.Level)
	}
	if !cfg.Tracer.Enabled {
		t.Error("Tracer.Enabled = false, want true")
	}
	if cfg.Consensus.DefaultThreshold != 0.9 {
		t.Errorf("DefaultThreshold = %g, want 0.9", cfg.Consensus.DefaultThreshold)
	}
}

func TestApplyEnvOverridesIgnoresBadNumbers(t *testing.T) {
	t.Setenv("A2A_COORDINATOR_WORKERS", "many")
	t.Setenv("A2A_GATEWAY_TIMEOUT", "-5s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if cfg.Coordinator.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Coordinator.Workers)
	}
	if cfg.Gateway.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Gateway.Timeout)
	}
}
