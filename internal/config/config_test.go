package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Budget.FailureThreshold != 5 {
		t.Errorf("default failure threshold = %d, want 5", cfg.Budget.FailureThreshold)
	}
	if cfg.Budget.Cooldown != 5*time.Minute {
		t.Errorf("default cooldown = %s, want 5m", cfg.Budget.Cooldown)
	}
	if cfg.Queue.Workers != 4 {
		t.Errorf("default workers = %d, want 4", cfg.Queue.Workers)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
queue:
  workers: 2
  visibility: 90s
tenants:
  - slug: acme
    name: Acme Corp
    support_enabled: true
    confidence_threshold: 0.9
    max_runs_per_day: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.Visibility != 90*time.Second {
		t.Errorf("visibility = %s, want 90s", cfg.Queue.Visibility)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Slug != "acme" {
		t.Fatalf("tenants = %+v", cfg.Tenants)
	}
	if cfg.Tenants[0].ConfidenceThreshold != 0.9 {
		t.Errorf("threshold = %v, want 0.9", cfg.Tenants[0].ConfidenceThreshold)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("B2B_SERVER_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want env override 7070", cfg.Server.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = -1 }, true},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }, true},
		{"zero threshold", func(c *Config) { c.Budget.FailureThreshold = 0 }, true},
		{"cooldown inversion", func(c *Config) { c.Budget.MaxCooldown = time.Second }, true},
		{"bad driver", func(c *Config) { c.Storage.Driver = "oracle" }, true},
		{"duplicate slug", func(c *Config) {
			c.Tenants = []TenantConfig{{Slug: "a"}, {Slug: "a"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
