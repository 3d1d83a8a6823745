// Package config loads and hot-reloads the manager's TOML configuration:
// the per-module entry function allowlist and the compiled-module cache
// tuning.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/bluele/gcache"
	"github.com/pkg/errors"
)

// DefaultConfigPath is the configuration file used when no explicit path
// is given.
const DefaultConfigPath = "dlinkwm.toml"

type ExpirationConfig struct {
	Enabled bool `toml:"enabled"`
	// EntryTTL specify TTL of cache entry in seconds.
	EntryTTL int `toml:"entry_ttl"`
}

type PreCacheConfig struct {
	Enabled bool `toml:"enabled"`
	// ModulesDir specify path to directory from where all modules will be pre-cached.
	ModulesDir string `toml:"modules_dir"`
}

type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	// Cache type one of: lfu, lru, arc or simple.
	Type       string           `toml:"type"`
	Size       int              `toml:"size"`
	Expiration ExpirationConfig `toml:"expiration"`
	PreCache   PreCacheConfig   `toml:"pre_cache"`
}

// Config is the on-disk configuration. EntryFunctions maps a guest
// module path to the ordered list of entry functions the invocation gate
// may call on it:
//
//	[entry_functions]
//	"wasm/wasm_test.wasm" = ["dlinkwm_print_hello_wasm", "dlinkwm_test_host_methods"]
//
//	[module_cache]
//	enabled = true
//	type = "lfu"
//	size = 5
type Config struct {
	EntryFunctions map[string][]string `toml:"entry_functions"`
	ModuleCache    CacheConfig         `toml:"module_cache"`
}

// DefaultConfig returns a configuration with an empty allowlist and the
// default module cache tuning.
func DefaultConfig() *Config {
	return &Config{
		EntryFunctions: make(map[string][]string),
		ModuleCache: CacheConfig{
			Enabled: true,
			Type:    gcache.TYPE_LFU,
			Size:    5,
			Expiration: ExpirationConfig{
				Enabled:  true,
				EntryTTL: 600,
			},
		},
	}
}

// LoadFromFile reads the configuration from a TOML file. A missing file
// is not an error: it is equivalent to the default configuration.
func LoadFromFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config file %s", path)
	}

	if cfg.EntryFunctions == nil {
		cfg.EntryFunctions = make(map[string][]string)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveToFile writes the configuration to a TOML file.
func (c *Config) SaveToFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create config file %s", path)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return errors.Wrapf(err, "unable to encode config to %s", path)
	}

	return nil
}

// Validate checks the module cache tuning.
func (c *Config) Validate() error {
	cacheConf := c.ModuleCache

	if !cacheConf.Enabled {
		return nil
	}

	if cacheConf.Size <= 0 {
		return fmt.Errorf("module cache size must be > 0, but specified %v", cacheConf.Size)
	}

	if cacheConf.Expiration.Enabled && cacheConf.Expiration.EntryTTL <= 0 {
		return fmt.Errorf("module cache entry time-to-live must be > 0, but specified %v", cacheConf.Expiration.EntryTTL)
	}

	return nil
}

// EnsureDefaultConfig writes a default configuration file at
// DefaultConfigPath if none exists.
func EnsureDefaultConfig() error {
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to stat config file %s", DefaultConfigPath)
	}

	return DefaultConfig().SaveToFile(DefaultConfigPath)
}
