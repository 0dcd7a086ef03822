package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models realm.yml.
type Config struct {
	World struct {
		Key  string `yaml:"key"`
		Name string `yaml:"name"`
	} `yaml:"world"`
	Runtime struct {
		HeartbeatSeconds int `yaml:"heartbeat_seconds"`
		LockWaitMS       int `yaml:"lock_wait_ms"`
		ReadStalenessMS  int `yaml:"read_staleness_ms"`
		Workers          int `yaml:"workers"`
		MaxAttempts      int `yaml:"max_attempts"`
		RetryBackoffMS   int `yaml:"retry_backoff_ms"`
		PollIntervalMS   int `yaml:"poll_interval_ms"`
	} `yaml:"runtime"`
	Bridge struct {
		ForwardURL   string   `yaml:"forward_url"`
		ForwardToken string   `yaml:"forward_token"`
		EventTypes   []string `yaml:"event_types"`
		IngressToken string   `yaml:"ingress_token"`
	} `yaml:"bridge"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with realm world create", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.World.Key == "" {
		return fmt.Errorf("config.world.key is required")
	}
	if c.Runtime.HeartbeatSeconds < 0 {
		return fmt.Errorf("config.runtime.heartbeat_seconds must not be negative")
	}
	if c.Runtime.LockWaitMS < 0 {
		return fmt.Errorf("config.runtime.lock_wait_ms must not be negative")
	}
	if c.Runtime.Workers < 0 {
		return fmt.Errorf("config.runtime.workers must not be negative")
	}
	if c.Bridge.ForwardURL != "" {
		u, err := url.Parse(c.Bridge.ForwardURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config.bridge.forward_url must be an http(s) URL")
		}
	}
	for _, et := range c.Bridge.EventTypes {
		if et == "" {
			return fmt.Errorf("config.bridge.event_types contains empty type")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "realm.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Default returns the default Config struct for a world.
func Default(worldKey string) *Config {
	var cfg Config
	cfg.World.Key = worldKey
	cfg.World.Name = worldKey
	cfg.applyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(worldKey string) string {
	return fmt.Sprintf(defaultTemplate, worldKey, worldKey)
}

func (c *Config) applyDefaults() {
	if c.Runtime.HeartbeatSeconds == 0 {
		c.Runtime.HeartbeatSeconds = 2
	}
	if c.Runtime.LockWaitMS == 0 {
		c.Runtime.LockWaitMS = 2000
	}
	if c.Runtime.ReadStalenessMS == 0 {
		c.Runtime.ReadStalenessMS = 250
	}
	if c.Runtime.Workers == 0 {
		c.Runtime.Workers = 4
	}
	if c.Runtime.MaxAttempts == 0 {
		c.Runtime.MaxAttempts = 5
	}
	if c.Runtime.RetryBackoffMS == 0 {
		c.Runtime.RetryBackoffMS = 500
	}
	if c.Runtime.PollIntervalMS == 0 {
		c.Runtime.PollIntervalMS = 200
	}
}

// Heartbeat returns the script-scheduling interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Runtime.HeartbeatSeconds) * time.Second
}

// LockWait returns the per-action lock acquisition budget.
func (c *Config) LockWait() time.Duration {
	return time.Duration(c.Runtime.LockWaitMS) * time.Millisecond
}

// ReadStaleness returns the snapshot age budget for read-only actions.
func (c *Config) ReadStaleness() time.Duration {
	return time.Duration(c.Runtime.ReadStalenessMS) * time.Millisecond
}

// RetryBackoff returns the base delay between action retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Runtime.RetryBackoffMS) * time.Millisecond
}

// PollInterval returns the scheduler poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Runtime.PollIntervalMS) * time.Millisecond
}

const defaultTemplate = `world:
  key: %s
  name: %s

runtime:
  heartbeat_seconds: 2
  lock_wait_ms: 2000
  read_staleness_ms: 250
  workers: 4
  max_attempts: 5
  retry_backoff_ms: 500
  poll_interval_ms: 200

bridge:
  forward_url: ""
  forward_token: ""
  event_types: [cmd.say.success, notification.movement.enter]
  ingress_token: ""

auth:
  jwt_secret: ""
`
