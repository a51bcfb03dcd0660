package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFLINE_CACHE_"

type Config struct {
	// Origin URL to fetch from
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Hostname of origin, if different from the origin URL
	Host string `yaml:"host" env:"HOST"`
	// Public URL of the pages, e.g. `https://app.example.com`
	Scope string `yaml:"scope" env:"SCOPE"`
	Port  int    `yaml:"port" env:"PORT"`
	// Cache DB file name, `memory` for an in-memory db
	DB string `yaml:"db" env:"DB"`
	// Worker version. A new version is installed when this changes.
	Version            string        `yaml:"version" env:"VERSION"`
	Manifest           []string      `yaml:"manifest" env:"MANIFEST"`
	StaticPrefix       string        `yaml:"staticPrefix" env:"STATIC_PREFIX"`
	StaticFiles        []string      `yaml:"staticFiles" env:"STATIC_FILES"`
	WaitForApply       bool          `yaml:"waitForApply" env:"WAIT_FOR_APPLY"`
	InstallConcurrency int           `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	CheckInterval      time.Duration `yaml:"checkInterval" env:"CHECK_INTERVAL"`
}

func defaultConfig() Config {
	return Config{
		Port:          8080,
		DB:            "cache.db",
		Version:       "1",
		CheckInterval: time.Minute,
	}
}

// loadConfig reads the config file, if any, on top of the defaults and
// applies `OFFLINE_CACHE_*` environment overrides.
func loadConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Origin == "" {
		return fmt.Errorf("please specify origin")
	}
	if c.Version == "" {
		return fmt.Errorf("please specify version")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("invalid check interval %s", c.CheckInterval)
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
