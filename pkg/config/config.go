// Package config reads and writes the user-level engine configuration.
//
// The config lives at ~/.config/pesde/config.toml and carries the
// default index URL, the scripts repository, per-index auth tokens, the
// store root and cache backend selection. Projects override indices via
// their manifest's indices table.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/natefinch/atomic"

	"github.com/Paficent/pesde/pkg/errors"
)

// DefaultIndexURL is used when the user config does not name one.
const DefaultIndexURL = "https://github.com/daimond113/pesde-index"

// Redis configures the optional shared cache backend.
type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db,omitempty"`
}

// Config is the user-level configuration document.
type Config struct {
	DefaultIndex string            `toml:"default_index,omitempty"`
	ScriptsRepo  string            `toml:"scripts_repo,omitempty"`
	StoreRoot    string            `toml:"store_root,omitempty"`
	Tokens       map[string]string `toml:"tokens,omitempty"` // index URL -> bearer token

	// CacheBackend selects the registry response cache: "file"
	// (default), "redis" or "none".
	CacheBackend string `toml:"cache_backend,omitempty"`
	Redis        *Redis `toml:"redis,omitempty"`

	// LockTimeoutSeconds bounds how long a run waits on the project
	// lock before reporting the project busy. Defaults to 5 seconds.
	LockTimeoutSeconds int `toml:"lock_timeout_seconds,omitempty"`
}

// LockTimeout returns the configured project lock timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

// Dir returns the per-user config directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pesde"), nil
}

// DataDir returns the per-user data directory holding the store, index
// mirrors and git mirrors.
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pesde"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "pesde"), nil
}

// CacheDir returns the per-user cache directory.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pesde"), nil
}

// Load reads the user config, returning defaults when none exists.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(filepath.Join(dir, "config.toml"))
}

// LoadFrom reads a config document from an explicit path.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults(), nil
		}
		return nil, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "parse config %s", path)
	}
	return cfg.withDefaults(), nil
}

func (c *Config) withDefaults() *Config {
	if c.DefaultIndex == "" {
		c.DefaultIndex = DefaultIndexURL
	}
	if c.CacheBackend == "" {
		c.CacheBackend = "file"
	}
	if c.LockTimeoutSeconds == 0 {
		c.LockTimeoutSeconds = 5
	}
	if c.Tokens == nil {
		c.Tokens = make(map[string]string)
	}
	return c
}

// Save atomically writes the user config.
func (c *Config) Save() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "encode config")
	}
	return atomic.WriteFile(filepath.Join(dir, "config.toml"), bytes.NewReader(buf.Bytes()))
}

// Store returns the store root, defaulting under the data dir.
func (c *Config) Store() (string, error) {
	if c.StoreRoot != "" {
		return c.StoreRoot, nil
	}
	data, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(data, "store"), nil
}
