// Package config loads the server configuration: flags come from a YAML
// file, an explicit CONFIG_PATH override, or built-in defaults.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config is the server configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"database"`
	Auth   AuthConfig   `mapstructure:"auth"`
}

// ServerConfig holds the listen settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DBConfig holds the storage settings.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig holds token verification settings. With static mode the token
// is taken verbatim as the user id, which is only suitable for development
// and tests.
type AuthConfig struct {
	Mode string `mapstructure:"mode"`
}

// Load reads the configuration. Resolution order: CONFIG_PATH env var, then
// ./configs/server.yaml, then defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "chatsync-server.db")
	v.SetDefault("auth.mode", "static")

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("server")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config is fine, defaults apply; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read server config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse server config: %w", err)
	}
	return cfg, nil
}
