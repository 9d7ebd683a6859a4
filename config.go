package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the optional on-disk configuration. All fields have working
// defaults; a missing file means "defaults".
type Config struct {
	// Adapter names the adapter to use, e.g. "hci0". Empty picks the first
	// adapter found.
	Adapter string `json:"adapter,omitempty"`
	// DeviceNames restricts supervision to devices with these names. Empty
	// matches every ASHA device.
	DeviceNames []string `json:"device_names,omitempty"`
}

func configPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "ashad", "config.json")
}

func loadConfig() (Config, error) {
	var cfg Config
	data, err := os.ReadFile(configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
