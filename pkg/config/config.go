// Package config loads and validates the OpsForge application configuration
// from YAML, layering file values over built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opsforge/opsforge/pkg/telemetry"
)

// Config is the top-level application configuration.
type Config struct {
	// Store configures the execution ledger database.
	Store StoreConfig `yaml:"store"`

	// Catalog configures runbook catalog provisioning.
	Catalog CatalogConfig `yaml:"catalog"`

	// Authz configures the static authorization provider.
	Authz AuthzConfig `yaml:"authz"`

	// Notifications configures lifecycle event delivery.
	Notifications NotificationsConfig `yaml:"notifications"`

	// Engines binds runbook names to engine implementations.
	Engines map[string]EngineConfig `yaml:"engines" validate:"dive"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig configures the SQLite ledger.
type StoreConfig struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string `yaml:"path" validate:"required"`

	// MaxOpenConns caps the connection pool.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// MaxIdleConns caps idle connections.
	MaxIdleConns int `yaml:"max_idle_conns" validate:"gte=0"`

	// ConnMaxLifetime recycles connections older than this.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CatalogConfig configures runbook catalog provisioning from YAML.
type CatalogConfig struct {
	// Path is the catalog file synced into the store at startup. Empty
	// disables file provisioning.
	Path string `yaml:"path"`

	// Watch re-syncs the catalog when the file changes on disk.
	Watch bool `yaml:"watch"`
}

// AuthzConfig assigns roles to actors and grants to roles.
type AuthzConfig struct {
	// Actors maps actor names to role names.
	Actors map[string]string `yaml:"actors"`

	// Grants maps role names to "resource:action" grants. Empty uses the
	// stock operator/admin grant table.
	Grants map[string][]string `yaml:"grants"`
}

// NotificationsConfig configures the notification sinks.
type NotificationsConfig struct {
	// Webhook, when set, POSTs lifecycle events to this base URL.
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures the webhook notification sink.
type WebhookConfig struct {
	// URL is the webhook base URL. Empty disables the sink.
	URL string `yaml:"url" validate:"omitempty,url"`

	// Timeout bounds each delivery attempt.
	Timeout time.Duration `yaml:"timeout"`

	// Headers are sent with every delivery.
	Headers map[string]string `yaml:"headers"`
}

// EngineConfig binds one runbook to an engine implementation.
type EngineConfig struct {
	// Type selects the engine implementation.
	Type string `yaml:"type" validate:"required,oneof=noop script"`

	// Command is the executable plus fixed arguments for script engines.
	Command []string `yaml:"command"`

	// WorkDir is the working directory for script engines.
	WorkDir string `yaml:"work_dir"`

	// Timeout bounds one script invocation.
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:            "opsforge.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Catalog: CatalogConfig{
			Path:  "",
			Watch: false,
		},
		Authz: AuthzConfig{
			Actors: map[string]string{},
			Grants: map[string][]string{},
		},
		Notifications: NotificationsConfig{
			Webhook: WebhookConfig{
				Timeout: 10 * time.Second,
			},
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, engine := range c.Engines {
		if engine.Type == "script" && len(engine.Command) == 0 {
			return fmt.Errorf("invalid configuration: engine %s: script engines require a command", name)
		}
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
