package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client  ClientConfig   `yaml:"client" mapstructure:"client"`
	Session SessionConfig  `yaml:"session" mapstructure:"session"`
	Members []MemberConfig `yaml:"members" mapstructure:"members"`
}

type ClientConfig struct {
	ID          string `yaml:"id" mapstructure:"id"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	ServiceType string `yaml:"service_type" mapstructure:"service_type"`
}

type SessionConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ReadConsistency string        `yaml:"read_consistency" mapstructure:"read_consistency"`
}

type MemberConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AllowEmptyEnv(true)

	viper.SetDefault("client.service_name", "default")
	viper.SetDefault("client.service_type", "kv")
	viper.SetDefault("session.timeout", 5*time.Second)
	viper.SetDefault("session.read_consistency", "sequential")

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
	if cfg.Client.ID == "" {
		return fmt.Errorf("client.id is required")
	}
	if len(cfg.Members) == 0 {
		return fmt.Errorf("at least one cluster member is required")
	}
	for _, m := range cfg.Members {
		if m.Host == "" || m.Port <= 0 {
			return fmt.Errorf("member %q needs a host and a positive port", m.ID)
		}
	}
	return nil
}
