package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dir is the per-workspace directory holding config and the database.
const Dir = ".meshval"

// Config models .meshval/config.yaml.
type Config struct {
	Validation ValidationConfig `yaml:"validation"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type ValidationConfig struct {
	MaxDepth int      `yaml:"max_depth"`
	Strict   bool     `yaml:"strict"`
	Presets  []string `yaml:"presets"`
}

type StorageConfig struct {
	MaxBackups int `yaml:"max_backups"`
}

type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	BasePath  string          `yaml:"base_path"`
	JWTSecret string          `yaml:"jwt_secret"`
	CacheSize int             `yaml:"cache_size"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with meshval init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Validation.MaxDepth < 0 {
		return fmt.Errorf("config.validation.max_depth must not be negative")
	}
	for i, p := range c.Validation.Presets {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.validation.presets[%d] is empty", i)
		}
	}
	if c.Storage.MaxBackups < 0 {
		return fmt.Errorf("config.storage.max_backups must not be negative")
	}
	if c.Server.CacheSize < 0 {
		return fmt.Errorf("config.server.cache_size must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Server.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.server.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.server.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, Dir, "config.yaml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
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

const defaultTemplate = `validation:
  # Deepest expression nesting accepted before LGC-001.
  max_depth: 50
  # Treat warnings as blocking.
  strict: false
  # Field presets accepted in addition to the built-in ones.
  presets: []

storage:
  # Backups kept per spec; older ones are pruned. 0 keeps all.
  max_backups: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  # Required for bearer auth; MESHVAL_JWT_SECRET overrides it.
  jwt_secret: ""
  # Validation results kept in memory, keyed by document fingerprint.
  cache_size: 256
  webhooks: []

log:
  level: info
  format: text
`
