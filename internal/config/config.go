/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/kevSchmidt/jsnote/pkg/loader"
)

const (
	// AppName is the application name
	AppName = "jsnote"

	// ConfigFileName is the name of the config file
	ConfigFileName = "jsnote.cue"

	// EnvPrefix prefixes environment overrides, e.g. JSNOTE_STORE_BACKEND
	EnvPrefix = "JSNOTE"
)

//go:embed config_schema.cue
var configSchema string

// Config is the complete jsnote configuration
type Config struct {
	CDNBaseURL   string      `mapstructure:"cdn_base_url"`
	EntryName    string      `mapstructure:"entry_name"`
	Minify       bool        `mapstructure:"minify"`
	Singleflight bool        `mapstructure:"singleflight"`
	Store        StoreConfig `mapstructure:"store"`
	Log          LogConfig   `mapstructure:"log"`
	Serve        ServeConfig `mapstructure:"serve"`
}

// StoreConfig selects and tunes the module store
type StoreConfig struct {
	// Backend is one of memory, disk, sqlite
	Backend string `mapstructure:"backend"`

	// Dir holds disk entries or the sqlite database
	Dir string `mapstructure:"dir"`

	// MaxEntries bounds the disk store; 0 means unbounded
	MaxEntries int `mapstructure:"max_entries"`

	// TTL expires disk entries; 0 means never
	TTL time.Duration `mapstructure:"ttl"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ServeConfig configures `jsnote serve`
type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadOptions defines explicit configuration loading inputs
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific config file when set
	ConfigFilePath string

	// SearchDirs are checked in order for jsnote.cue when ConfigFilePath is
	// empty. Defaults to the working directory then the user config dir.
	SearchDirs []string
}

// DefaultConfig returns the configuration used when no file is present
func DefaultConfig() *Config {
	return &Config{
		CDNBaseURL: loader.DefaultCDNBaseURL,
		EntryName:  loader.DefaultEntryName,
		Store: StoreConfig{
			Backend: loader.BackendDisk,
			Dir:     defaultStoreDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Serve: ServeConfig{
			Addr: ":8080",
		},
	}
}

// defaultStoreDir places the store under the user cache directory
func defaultStoreDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName, "modules")
}

// Load reads configuration from defaults, an optional CUE file, and the
// environment. It returns the config and the path of the file used, if any.
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("cdn_base_url", defaults.CDNBaseURL)
	v.SetDefault("entry_name", defaults.EntryName)
	v.SetDefault("minify", defaults.Minify)
	v.SetDefault("singleflight", defaults.Singleflight)
	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.dir", defaults.Store.Dir)
	v.SetDefault("store.max_entries", defaults.Store.MaxEntries)
	v.SetDefault("store.ttl", defaults.Store.TTL)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.development", defaults.Log.Development)
	v.SetDefault("serve.addr", defaults.Serve.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		for _, dir := range searchDirs(opts) {
			candidate := filepath.Join(dir, ConfigFileName)
			if fileExists(candidate) {
				resolvedPath = candidate
				break
			}
		}
	}

	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", fmt.Errorf("failed to load %s: %w", resolvedPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return &cfg, resolvedPath, nil
}

// Validate checks constraints the schema cannot see once env overrides apply
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case loader.BackendMemory:
	case loader.BackendDisk, loader.BackendSQLite:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.MaxEntries < 0 {
		return fmt.Errorf("store.max_entries must be non-negative, got %d", c.Store.MaxEntries)
	}
	if c.Store.TTL < 0 {
		return fmt.Errorf("store.ttl must be non-negative, got %s", c.Store.TTL)
	}
	if c.EntryName == "" {
		return fmt.Errorf("entry_name must not be empty")
	}
	return nil
}

// StoreOptions converts the store section for loader.OpenStore
func (c *Config) StoreOptions() loader.StoreOptions {
	return loader.StoreOptions{
		Backend:    c.Store.Backend,
		Dir:        c.Store.Dir,
		MaxEntries: c.Store.MaxEntries,
		TTL:        c.Store.TTL,
	}
}

func searchDirs(opts LoadOptions) []string {
	if len(opts.SearchDirs) > 0 {
		return opts.SearchDirs
	}
	dirs := []string{"."}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfgDir, AppName))
	}
	return dirs
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema, and merges its contents into Viper
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return fmt.Errorf("invalid CUE: %w", userValue.Err())
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && !info.IsDir()
}
