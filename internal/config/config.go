package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Config models workroom.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workroom  WorkroomConfig  `yaml:"workroom"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr           string `yaml:"addr"`
	BasePath       string `yaml:"base_path"`
	UploadsDir     string `yaml:"uploads_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type WorkroomConfig struct {
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	TypingTimeout     time.Duration `yaml:"typing_timeout"`
	PageSize          int           `yaml:"page_size"`
	SettlementURL     string        `yaml:"settlement_url"`
}

type RateLimitConfig struct {
	TypingRPS   float64 `yaml:"typing_rps"`
	TypingBurst int     `yaml:"typing_burst"`
	WriteRPS    float64 `yaml:"write_rps"`
	WriteBurst  int     `yaml:"write_burst"`
}

type RetentionConfig struct {
	Enabled bool          `yaml:"enabled"`
	Cron    string        `yaml:"cron"`
	Window  time.Duration `yaml:"window"`
}

// WebhookConfig configures delivery of room events to an external endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled reports whether the hook is active; hooks default to enabled.
func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("config.server.max_upload_bytes must be positive")
	}
	if c.Workroom.ReconcileInterval <= 0 {
		return fmt.Errorf("config.workroom.reconcile_interval must be positive")
	}
	if c.Workroom.TypingTimeout <= 0 {
		return fmt.Errorf("config.workroom.typing_timeout must be positive")
	}
	if c.Workroom.PageSize <= 0 || c.Workroom.PageSize > 200 {
		return fmt.Errorf("config.workroom.page_size must be between 1 and 200")
	}
	if c.RateLimit.TypingRPS < 0 || c.RateLimit.WriteRPS < 0 {
		return fmt.Errorf("config.rate_limit rates must not be negative")
	}
	if c.Retention.Enabled {
		if !gronx.IsValid(c.Retention.Cron) {
			return fmt.Errorf("config.retention.cron %q is not a valid cron expression", c.Retention.Cron)
		}
		if c.Retention.Window <= 0 {
			return fmt.Errorf("config.retention.window must be positive")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, ev := range hook.Events {
			if strings.TrimSpace(ev) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workroom.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  uploads_dir: uploads
  max_upload_bytes: 26214400

workroom:
  reconcile_interval: 5s
  typing_timeout: 2s
  page_size: 50
  settlement_url: ""

rate_limit:
  typing_rps: 2
  typing_burst: 4
  write_rps: 5
  write_burst: 10

retention:
  enabled: true
  cron: "0 3 * * *"
  window: 720h

webhooks: []
`
