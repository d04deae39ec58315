// Package config holds the daemon's file configuration. Values the
// file omits keep their defaults; flags and environment variables
// handled in cmd/inkstore take precedence over both.
package config

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Sync    SyncConfig    `yaml:"sync"`
	Tracing TracingConfig `yaml:"tracing"`
	Types   []TypeConfig  `yaml:"types"`
}

// LoggerConfig selects the slog handler and level.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// SyncConfig wires the instance to its durable channel. StorageURL
// selects the backend by scheme: mem:, sqlite:, redis://, postgres://,
// gorm:, ws:// or wss://. An empty Key disables sync; the store then
// runs standalone.
type SyncConfig struct {
	StorageURL string `yaml:"storage_url"`
	Key        string `yaml:"key"`
	PeerID     string `yaml:"peer_id"`
}

// TracingConfig controls the OTel exporter.
type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// TypeConfig declares one record type hosted by this instance. Types
// declared here carry no migration steps, so every instance sharing a
// persistence key must declare the same versions.
type TypeConfig struct {
	Name    string `yaml:"name"`
	Scope   string `yaml:"scope"`
	Version int    `yaml:"version"`
}

// Default returns the baseline development configuration.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: true},
		Server: ServerConfig{Addr: ":8080"},
		Sync:   SyncConfig{StorageURL: "mem:", Key: "default"},
	}
}

// Load reads the YAML file at path on top of the defaults. A missing
// file is not an error: the defaults are returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
