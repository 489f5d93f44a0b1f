// Package config loads platform configuration from a YAML file with an
// environment-variable overlay (prefix B2B_).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Queue    QueueConfig    `koanf:"queue"`
	Budget   BudgetConfig   `koanf:"budget"`
	Models   ModelsConfig   `koanf:"models"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Tenants  []TenantConfig `koanf:"tenants"`
}

type ServerConfig struct {
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type StorageConfig struct {
	// Driver is sqlite, postgres, or memory.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type QueueConfig struct {
	Workers int `koanf:"workers"`
	// Visibility is the lease duration after which an unacknowledged run
	// message is redelivered.
	Visibility time.Duration `koanf:"visibility"`
}

type BudgetConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	Cooldown         time.Duration `koanf:"cooldown"`
	MaxCooldown      time.Duration `koanf:"max_cooldown"`
}

type ModelsConfig struct {
	Local   LocalModelConfig   `koanf:"local"`
	Quality QualityModelConfig `koanf:"quality"`
}

type LocalModelConfig struct {
	Enabled bool          `koanf:"enabled"`
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type QualityModelConfig struct {
	BaseURL   string        `koanf:"base_url"`
	APIKey    string        `koanf:"api_key"`
	Model     string        `koanf:"model"`
	MaxTokens int           `koanf:"max_tokens"`
	Timeout   time.Duration `koanf:"timeout"`
}

type PipelineConfig struct {
	StepTimeout time.Duration `koanf:"step_timeout"`
	// StaleAfter is how long a run may sit in running before a redelivered
	// message is treated as a crash-resume rather than a conflict.
	StaleAfter time.Duration `koanf:"stale_after"`
}

// TenantConfig seeds a tenant at startup. Admin updates take over from there.
type TenantConfig struct {
	Slug string `koanf:"slug"`
	Name string `koanf:"name"`

	SupportEnabled      bool    `koanf:"support_enabled"`
	SalesEnabled        bool    `koanf:"sales_enabled"`
	AutosendEnabled     bool    `koanf:"autosend_enabled"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`

	MaxRunsPerDay     int64 `koanf:"max_runs_per_day"`
	MaxTokensPerDay   int64 `koanf:"max_tokens_per_day"`
	MaxItemsPerMinute int64 `koanf:"max_items_per_minute"`

	LocalModelEnabled bool   `koanf:"local_model_enabled"`
	APIKeyEncrypted   string `koanf:"api_key_encrypted"`

	SlackWebhookURL string `koanf:"slack_webhook_url"`
	CRMBaseURL      string `koanf:"crm_base_url"`
	CRMAPIKey       string `koanf:"crm_api_key"`
	SMTPHost        string `koanf:"smtp_host"`
	SMTPFrom        string `koanf:"smtp_from"`

	SupportRules string `koanf:"support_rules"`
	SalesRules   string `koanf:"sales_rules"`
}

const envPrefix = "B2B_"

// Load reads configuration from path (optional) and the environment.
// Environment keys map B2B_SERVER_PORT → server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	applyDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	k.Set("server.port", 8080)
	k.Set("server.request_timeout", "30s")
	k.Set("storage.driver", "sqlite")
	k.Set("storage.dsn", "./data/platform.db")
	k.Set("queue.workers", 4)
	k.Set("queue.visibility", "5m")
	k.Set("budget.failure_threshold", 5)
	k.Set("budget.cooldown", "5m")
	k.Set("budget.max_cooldown", "1h")
	k.Set("models.local.timeout", "30s")
	k.Set("models.quality.base_url", "https://api.anthropic.com")
	k.Set("models.quality.model", "quality-large")
	k.Set("models.quality.max_tokens", 1024)
	k.Set("models.quality.timeout", "60s")
	k.Set("pipeline.step_timeout", "60s")
	k.Set("pipeline.stale_after", "5m")
}

// Validate checks cross-field constraints that koanf cannot express.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Budget.FailureThreshold <= 0 {
		return fmt.Errorf("budget.failure_threshold must be positive, got %d", c.Budget.FailureThreshold)
	}
	if c.Budget.MaxCooldown < c.Budget.Cooldown {
		return fmt.Errorf("budget.max_cooldown %s below budget.cooldown %s", c.Budget.MaxCooldown, c.Budget.Cooldown)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage.driver: %s", c.Storage.Driver)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.Slug == "" {
			return fmt.Errorf("tenant with empty slug")
		}
		if seen[t.Slug] {
			return fmt.Errorf("duplicate tenant slug: %s", t.Slug)
		}
		seen[t.Slug] = true
	}
	return nil
}
