// Package config handles mailsite configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mailsite/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailsite/config.yaml, /etc/mailsite/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailsite", "config.yaml"))
	}

	paths = append(paths, "/etc/mailsite/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mailsite configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Mail      email.Config    `yaml:"mail"`
	Generator GeneratorConfig `yaml:"generator"`
	Content   ContentConfig   `yaml:"content"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 3000
}

// GeneratorConfig selects the text-generation backend used to turn an
// email body into page content.
type GeneratorConfig struct {
	// Provider is openai, anthropic, or ollama. Default: openai.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	// BaseURL overrides the provider endpoint (proxies, self-hosted).
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`      // Default: gpt-3.5-turbo
	MaxTokens int    `yaml:"max_tokens"` // Default: 500
}

// ContentConfig locates the persisted content document.
type ContentConfig struct {
	Path string `yaml:"path"` // Default: content.json
}

// PipelineConfig tunes poll cycles.
type PipelineConfig struct {
	// Timeout bounds one whole cycle. Zero means unbounded.
	Timeout time.Duration `yaml:"timeout"`
	// Interval runs a cycle in the background while serving. Zero
	// disables it; cycles then run only on request.
	Interval time.Duration `yaml:"interval"`
}

// MQTTConfig defines the optional Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`          // Default: mailsite
	DiscoveryPrefix    string `yaml:"discovery_prefix"`     // Default: homeassistant
	PublishIntervalSec int    `yaml:"publish_interval_sec"` // Default: 60
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	c.Mail.ApplyDefaults()
	if c.Generator.Provider == "" {
		c.Generator.Provider = "openai"
	}
	c.Generator.Provider = strings.ToLower(c.Generator.Provider)
	if c.Generator.Model == "" {
		c.Generator.Model = "gpt-3.5-turbo"
	}
	if c.Generator.MaxTokens == 0 {
		c.Generator.MaxTokens = 500
	}
	if c.Content.Path == "" {
		c.Content.Path = "content.json"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "mailsite"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port))
	}
	if err := c.Mail.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Generator.Provider {
	case "openai", "anthropic":
		if c.Generator.APIKey == "" {
			errs = append(errs, fmt.Errorf("generator.api_key is required for provider %s", c.Generator.Provider))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("generator.provider %q unknown (valid: openai, anthropic, ollama)", c.Generator.Provider))
	}
	if c.Generator.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("generator.max_tokens must not be negative"))
	}

	if c.Pipeline.Timeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.timeout must not be negative"))
	}
	if c.Pipeline.Interval < 0 {
		errs = append(errs, fmt.Errorf("pipeline.interval must not be negative"))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// RunLogPath is the SQLite run ledger location inside DataDir.
func (c *Config) RunLogPath() string {
	return filepath.Join(c.DataDir, "runs.db")
}
