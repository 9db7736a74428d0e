// Package config manages the fuzzer's on-disk settings: a TOML file at
// ~/.snapfuzz/config.toml holding cluster-wide defaults, plus the
// directory-local target pin a .snapfuzzrc file provides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.snapfuzz/config.toml file.
type Config struct {
	DefaultTarget string `toml:"default_target,omitempty" json:"default_target"`
	Master        Master `toml:"master,omitempty" json:"master"`
	Fuzz          Fuzz   `toml:"fuzz,omitempty" json:"fuzz"`
}

// Master holds default flags for the `master` subcommand.
type Master struct {
	Address string `toml:"address,omitempty" json:"address"`
	MaxLen  int    `toml:"max_len,omitempty" json:"max_len"`
}

// Fuzz holds default flags for the `fuzz` worker subcommand.
type Fuzz struct {
	Backend string `toml:"backend,omitempty" json:"backend"`
	Laf     string `toml:"laf,omitempty" json:"laf"`
}

// configDirOverride is set by the --config-dir flag or SNAPFUZZ_HOME env var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir / SNAPFUZZ_HOME value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > SNAPFUZZ_HOME env > ~/.snapfuzz
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("SNAPFUZZ_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".snapfuzz")
	}
	return filepath.Join(home, ".snapfuzz")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// EnsureDir creates the snapfuzz home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns a zero-value Config (defaults).
func Load() (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// validKeys lists the dot-separated keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"default_target": true,
	"master.address": true,
	"master.max_len":  true,
	"fuzz.backend":    true,
	"fuzz.laf":        true,
}

// Get retrieves a single config value by dot-separated key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by dot-separated key.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "default_target":
		return cfg.DefaultTarget, nil
	case "master.address":
		return cfg.Master.Address, nil
	case "master.max_len":
		return fmt.Sprintf("%d", cfg.Master.MaxLen), nil
	case "fuzz.backend":
		return cfg.Fuzz.Backend, nil
	case "fuzz.laf":
		return cfg.Fuzz.Laf, nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	switch key {
	case "default_target":
		cfg.DefaultTarget = value
	case "master.address":
		cfg.Master.Address = value
	case "master.max_len":
		n, err := parsePositiveInt(value)
		if err != nil {
			return err
		}
		cfg.Master.MaxLen = n
	case "fuzz.backend":
		cfg.Fuzz.Backend = value
	case "fuzz.laf":
		cfg.Fuzz.Laf = value
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty integer value")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid integer value: %s", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
