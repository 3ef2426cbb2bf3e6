package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models runline.yml.
type Config struct {
	Limits   Limits          `yaml:"limits"`
	Channels Channels        `yaml:"channels"`
	Auth     Auth            `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// Limits bound run execution and payload sizes.
type Limits struct {
	// Inline binary export payloads above this are rejected; larger
	// artifacts go through the upload API and export a binary_url reference.
	BinaryMaxBytes int `yaml:"binary_max_bytes"`
	// Minimum interval between progress-only runs deltas per run.
	RunsEmitIntervalMS int `yaml:"runs_emit_interval_ms"`
	// Host-enforced deadline for entries whose manifest declares none.
	DefaultRunTimeoutS int `yaml:"default_run_timeout_s"`
	// Grace period between the timeout cancel request and the forced
	// timeout commit.
	TimeoutGraceS int `yaml:"timeout_grace_s"`
	// Idempotency keys older than this no longer dedup.
	IdempotencyRetentionS int `yaml:"idempotency_retention_s"`
	// Default and maximum page size for export replay.
	ExportPageLimit    int `yaml:"export_page_limit"`
	BlobUploadMaxBytes int `yaml:"blob_upload_max_bytes"`
}

// Channels size the per-subscriber delta queues.
type Channels struct {
	RunsBuffer   int `yaml:"runs_buffer"`
	ExportBuffer int `yaml:"export_buffer"`
}

type Auth struct {
	// DevMode disables admin auth entirely. Local use only.
	DevMode      bool `yaml:"dev_mode"`
	RunTokenTTLS int  `yaml:"run_token_ttl_s"`
	AllowAPIKeys bool `yaml:"allow_api_keys"`
	AllowBearer  bool `yaml:"allow_bearer"`
	// Secret signs bearer and run-scoped tokens. Generated per process when
	// empty, which invalidates outstanding tokens on restart.
	Secret string `yaml:"secret,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Channels       []string `yaml:"channels,omitempty"` // runs, export; empty = both
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Limits: Limits{
			BinaryMaxBytes:        64 * 1024,
			RunsEmitIntervalMS:    100,
			DefaultRunTimeoutS:    300,
			TimeoutGraceS:         5,
			IdempotencyRetentionS: 24 * 60 * 60,
			ExportPageLimit:       100,
			BlobUploadMaxBytes:    32 * 1024 * 1024,
		},
		Channels: Channels{
			RunsBuffer:   256,
			ExportBuffer: 1024,
		},
		Auth: Auth{
			DevMode:      false,
			RunTokenTTLS: 600,
			AllowAPIKeys: true,
			AllowBearer:  true,
		},
	}
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".runline", "runline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document. Unset numeric limits are
// filled from defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Limits.BinaryMaxBytes <= 0 {
		return fmt.Errorf("config.limits.binary_max_bytes must be positive")
	}
	if c.Limits.RunsEmitIntervalMS < 0 {
		return fmt.Errorf("config.limits.runs_emit_interval_ms must not be negative")
	}
	if c.Limits.DefaultRunTimeoutS <= 0 {
		return fmt.Errorf("config.limits.default_run_timeout_s must be positive")
	}
	if c.Limits.IdempotencyRetentionS <= 0 {
		return fmt.Errorf("config.limits.idempotency_retention_s must be positive")
	}
	if c.Limits.ExportPageLimit <= 0 {
		return fmt.Errorf("config.limits.export_page_limit must be positive")
	}
	if c.Channels.RunsBuffer <= 0 || c.Channels.ExportBuffer <= 0 {
		return fmt.Errorf("config.channels buffers must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, ch := range hook.Channels {
			if ch != "runs" && ch != "export" {
				return fmt.Errorf("config.webhooks[%d] unknown channel %q", i, ch)
			}
		}
	}
	return nil
}

// ToYAML renders the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// RunsEmitInterval returns the runs channel rate limit as a duration.
func (c *Config) RunsEmitInterval() time.Duration {
	return time.Duration(c.Limits.RunsEmitIntervalMS) * time.Millisecond
}

// DefaultRunTimeout returns the host-enforced run deadline.
func (c *Config) DefaultRunTimeout() time.Duration {
	return time.Duration(c.Limits.DefaultRunTimeoutS) * time.Second
}

// TimeoutGrace returns the cooperative-cancellation grace before a forced
// timeout commit.
func (c *Config) TimeoutGrace() time.Duration {
	return time.Duration(c.Limits.TimeoutGraceS) * time.Second
}

// IdempotencyRetention returns the dedup window for idempotency keys.
func (c *Config) IdempotencyRetention() time.Duration {
	return time.Duration(c.Limits.IdempotencyRetentionS) * time.Second
}

// RunTokenTTL returns the lifetime of run-scoped read tokens.
func (c *Config) RunTokenTTL() time.Duration {
	return time.Duration(c.Auth.RunTokenTTLS) * time.Second
}
