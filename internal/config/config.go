// Package config loads the daemon's YAML configuration file: the network
// port to listen on, the accessory's identity and setup code, the store
// path, and per-module log level overrides.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of hapd.yaml.
type Config struct {
	Port      int               `yaml:"port"`
	Name      string            `yaml:"name"`
	Model     string            `yaml:"model"`
	Serial    string            `yaml:"serial"`
	Firmware  string            `yaml:"firmware"`
	SetupCode string            `yaml:"setup_code"`
	StorePath string            `yaml:"store_path"`
	MaxPeers  int               `yaml:"max_peers"`
	Log       map[string]string `yaml:"log"`
}

// defaults mirrors the fallback values a fresh install runs with before any
// hapd.yaml exists.
func defaults() Config {
	return Config{
		Port:      51826,
		Name:      "hapd",
		Model:     "hapd1,1",
		Serial:    "0000001",
		Firmware:  "1.0.0",
		SetupCode: "031-45-154",
		StorePath: "hapd.db",
		MaxPeers:  16,
		Log:       map[string]string{"level": "info"},
	}
}

// Load reads path, overlaying it on top of defaults. A missing file is not
// an error - every field still has a usable default.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
