// Package config loads capi's on-disk configuration and exposes it as an
// atomically swappable process-wide value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/capi-project/capi-core/pkg/types"
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml. Missing fields keep their zero value;
// callers should layer types.Defaults() underneath the result.
func Load(path string) (types.Config, error) {
	var cfg types.Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Save writes cfg to path using the format implied by its extension.
func Save(path string, cfg types.Config) error {
	var b []byte
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(cfg)
	case ".json":
		b, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		b, err = toml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}

// WithDefaults layers cfg over types.Defaults(), filling any zero-valued
// field with the package default.
func WithDefaults(cfg types.Config) types.Config {
	d := types.Defaults()
	if cfg.BindHost == "" {
		cfg.BindHost = d.BindHost
	}
	if cfg.BindPort == 0 {
		cfg.BindPort = d.BindPort
	}
	if cfg.DevicePreference == "" {
		cfg.DevicePreference = d.DevicePreference
	}
	if cfg.ResourceMode == "" {
		cfg.ResourceMode = d.ResourceMode
	}
	if cfg.DefaultContextTokens == 0 {
		cfg.DefaultContextTokens = d.DefaultContextTokens
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = d.ModelsDir
	}
	return cfg
}
