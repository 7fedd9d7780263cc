// Package config implements this node's on-disk configuration file,
// persisted and loaded the same way pkg/identity persists a key pair:
// plain indented JSON, read-modify-write on change.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the node's tunables that a user might want to carry
// across restarts instead of passing as flags every time.
type Config struct {
	Path         string   `json:"path"`
	MaxFileSize  int64    `json:"max_file_size"`
	Port         int      `json:"port"`
	Hostname     string   `json:"hostname"`
	AllowAll     bool     `json:"allow_all"`
	AllowedPeers []string `json:"allowed_peers"`
}

// Default returns the built-in defaults used when no config file exists
// and no flag overrides a field.
func Default() Config {
	return Config{
		Path:        "./store",
		MaxFileSize: 1 << 30, // 1 GiB
		Port:        4242,
		Hostname:    "0.0.0.0",
	}
}

// Load reads the config file at path, if present, merging it onto
// Default(). A missing file is not an error: it just yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating parent directories
// as needed.
func (c Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
