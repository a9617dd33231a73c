package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Stream StreamConfig `yaml:"stream"`
	Bus    BusConfig    `yaml:"bus"`
	Store  StoreConfig  `yaml:"store"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StreamConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	SendBuffer           int           `yaml:"send_buffer"`
	MaxSubscribersPerJob int           `yaml:"max_subscribers_per_job"`
	MaxSubscribers       int           `yaml:"max_subscribers"`
}

type BusConfig struct {
	Kind     string `yaml:"kind"` // "memory" or "amqp"
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"` // "memory" or "postgres"
	DSN  string `yaml:"dsn"`
}

type ClientConfig struct {
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	HeartbeatTimeout   time.Duration `yaml:"heartbeat_timeout"`
	ReconnectWarnAfter int           `yaml:"reconnect_warn_after"`
}

// Default returns the built-in configuration, used when no file is given.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Stream: StreamConfig{
			HeartbeatInterval:    30 * time.Second,
			SendBuffer:           64,
			MaxSubscribersPerJob: 32,
			MaxSubscribers:       1024,
		},
		Bus: BusConfig{
			Kind:     "memory",
			Exchange: "job-status",
		},
		Store: StoreConfig{
			Kind: "memory",
		},
		Client: ClientConfig{
			BackoffBase:        250 * time.Millisecond,
			BackoffMax:         5 * time.Second,
			HeartbeatTimeout:   90 * time.Second,
			ReconnectWarnAfter: 3,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be wired at startup.
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case "memory":
	case "amqp":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url required for amqp bus")
		}
	default:
		return fmt.Errorf("unknown bus.kind %q", c.Bus.Kind)
	}

	switch c.Store.Kind {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn required for postgres store")
		}
	default:
		return fmt.Errorf("unknown store.kind %q", c.Store.Kind)
	}

	return nil
}
