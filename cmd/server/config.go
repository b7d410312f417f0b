package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string `yaml:"port"`
	HubURL   string `yaml:"hubURL"`
	LogLevel string `yaml:"logLevel"`
	DBPath   string `yaml:"dbPath"`
}

const (
	defaultPort   = "8080"
	defaultHubURL = "http://localhost:8081"
)

// loadConfig reads the YAML config at path, expanding ${VAR} references from the environment. A missing
// file yields the defaults. Relative database paths are resolved against cfgDir.
func loadConfig(path, cfgDir string) (config, error) {
	cfg := config{}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.HubURL == "" {
		cfg.HubURL = os.Getenv("CHATBASE_HUB_URL")
	}
	if cfg.HubURL == "" {
		cfg.HubURL = defaultHubURL
	}
	if u, err := url.Parse(cfg.HubURL); err != nil || u.Scheme == "" || u.Host == "" {
		return config{}, fmt.Errorf("invalid hub url %q", cfg.HubURL)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "store.db"
	}
	if !filepath.IsAbs(cfg.DBPath) {
		cfg.DBPath = filepath.Join(cfgDir, cfg.DBPath)
	}

	return cfg, nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
