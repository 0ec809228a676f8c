// Package config loads library defaults from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

// Config represents the settings shared by sessions built from it.
// Environment variables override file values.
type Config struct {
	Endpoint        string        `yaml:"endpoint" env:"AI_ENDPOINT"`
	APIKey          string        `yaml:"api-key" env:"AI_API_KEY"`
	Protocol        string        `yaml:"protocol" env:"AI_PROTOCOL"`
	MaxRetries      int           `yaml:"max-retries" env:"AI_MAX_RETRIES"`
	Timeout         time.Duration `yaml:"timeout" env:"AI_TIMEOUT"`
	SendExtraFields bool          `yaml:"send-extra-fields" env:"AI_SEND_EXTRA_FIELDS"`
	DataDir         string        `yaml:"data-dir" env:"AI_DATA_DIR"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Endpoint:   "/api/chat",
		Protocol:   "data",
		MaxRetries: 2,
		DataDir:    filepath.Join(xdg.DataHome, "ai"),
	}
}

// Load builds a configuration from the defaults, the YAML file at path if
// it exists, and finally the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("could not read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return cfg, fmt.Errorf("could not parse config: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("could not parse environment: %w", err)
	}
	return cfg, nil
}
