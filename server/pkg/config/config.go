package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node    NodeConfig    `yaml:"node" mapstructure:"node"`
	Cluster ClusterConfig `yaml:"cluster" mapstructure:"cluster"`
	Session SessionConfig `yaml:"session" mapstructure:"session"`
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`
}

type NodeConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type ClusterConfig struct {
	Members []MemberConfig `yaml:"members" mapstructure:"members"`
}

type MemberConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	Role string `yaml:"role" mapstructure:"role"`
}

type SessionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
}

type StorageConfig struct {
	SnapshotPath    string        `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	CompactInterval time.Duration `yaml:"compact_interval" mapstructure:"compact_interval"`
}

func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AllowEmptyEnv(true)

	viper.SetDefault("node.host", "localhost")
	viper.SetDefault("node.port", 5678)

	viper.SetDefault("session.default_timeout", 5*time.Second)

	viper.SetDefault("storage.snapshot_path", "snapshots.db")
	viper.SetDefault("storage.compact_interval", 10*time.Second)

	// Read the config file. Errors here are okay if we don't need a file.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if cfg.Node.Port <= 0 {
		return fmt.Errorf("node.port must be positive, got %d", cfg.Node.Port)
	}
	if cfg.Session.DefaultTimeout <= 0 {
		return fmt.Errorf("session.default_timeout must be positive")
	}
	seen := make(map[string]bool)
	for _, m := range cfg.Cluster.Members {
		if m.ID == "" {
			return fmt.Errorf("cluster member missing id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate cluster member id %q", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}
