package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "formline.yml"

// Config models formline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		AdminRole        string `yaml:"admin_role"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
	} `yaml:"auth"`
	Locks struct {
		Backend   string        `yaml:"backend"`
		RedisAddr string        `yaml:"redis_addr"`
		Prefix    string        `yaml:"prefix"`
		TTL       time.Duration `yaml:"ttl"`
		Retry     time.Duration `yaml:"retry"`
	} `yaml:"locks"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.AdminRole == "" {
		return fmt.Errorf("config.auth.admin_role is required")
	}
	switch c.Locks.Backend {
	case "memory":
	case "redis":
		if c.Locks.RedisAddr == "" {
			return fmt.Errorf("config.locks.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.locks.backend must be memory or redis, got %q", c.Locks.Backend)
	}
	if c.Locks.TTL < 0 || c.Locks.Retry < 0 {
		return fmt.Errorf("config.locks ttl and retry must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
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
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the configuration written by fl config init.
func Default() *Config {
	cfg, err := parse([]byte(defaultTemplate))
	if err != nil {
		panic("config: default template is invalid: " + err.Error())
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
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

auth:
  # role carried in the JWT roles claim that may edit definitions
  admin_role: admin
  # accept X-Actor-Id / X-Actor-Roles instead of a token (development only)
  allow_actor_header: false

locks:
  # memory for a single process, redis to share locks between processes
  backend: memory
  redis_addr: ""
  prefix: formline
  ttl: 30s
  retry: 50ms

log:
  level: info
  format: text
`
