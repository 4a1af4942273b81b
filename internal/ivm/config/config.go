// Package config is the engine's bootstrap layer: it resolves a Config
// from a config file plus environment variables (grounded on the
// teacher's viper.New/SetConfigFile/ReadInConfig idiom in
// cmd/bd/config.go and internal/labelmutex/policy.go), and loads the
// schema metadata fixture a demo or test process starts from
// (testdata/schema.toml, per SPEC_FULL.md §3).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config bundles the knobs the demo daemon and the test suite need to
// construct a Session (spec §4.H): where the schema fixture and the
// sqlite database live, and the two durations the Session's New takes.
type Config struct {
	SchemaPath     string        `mapstructure:"schema_path"`
	DBPath         string        `mapstructure:"db_path"`
	ViewTTL        time.Duration `mapstructure:"view_ttl"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
	ListenAddr     string        `mapstructure:"listen_addr"`
}

// defaults mirrors the teacher's pattern of setting every default before
// a config file is read, so a value absent from both the file and the
// environment still resolves to something usable.
func defaults(v *viper.Viper) {
	v.SetDefault("schema_path", "testdata/schema.toml")
	v.SetDefault("db_path", "ivm.db")
	v.SetDefault("view_ttl", 10*time.Minute)
	v.SetDefault("persist_timeout", 2*time.Second)
	v.SetDefault("listen_addr", ":777")
}

// Load resolves a Config from, in ascending priority: built-in defaults,
// an optional YAML config file at path (skipped silently if path is
// empty or the file doesn't exist, matching the teacher's
// validateSyncConfig "nothing to validate" tolerance), and IVMD_-prefixed
// environment variables (IVMD_DB_PATH, IVMD_VIEW_TTL, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	v.SetEnvPrefix("ivmd")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
			}
		}
	}

	var cfg Config
	cfg.SchemaPath = v.GetString("schema_path")
	cfg.DBPath = v.GetString("db_path")
	cfg.ViewTTL = v.GetDuration("view_ttl")
	cfg.PersistTimeout = v.GetDuration("persist_timeout")
	cfg.ListenAddr = v.GetString("listen_addr")
	return cfg, nil
}

// YAMLOverride is the subset of Config a fallback read can plausibly
// need to override; unlike viper's Config it has no defaults of its own.
type YAMLOverride struct {
	DBPath     string `yaml:"db_path"`
	SchemaPath string `yaml:"schema_path"`
}

// LoadYAMLFallback reads db_path/schema_path directly out of path,
// bypassing viper entirely. Grounded on the teacher's
// internal/config/local_config.go, which exists because viper's
// singleton can be stale once the working directory has changed, or not
// yet initialized at all; this mirrors that same direct-read escape
// hatch for ivmd's one-shot subcommands. Returns a zero-value override
// (every field empty) if path doesn't exist or fails to parse, never an
// error — callers treat an empty field as "no override".
func LoadYAMLFallback(path string) YAMLOverride {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied, not attacker-controlled
	if err != nil {
		return YAMLOverride{}
	}
	var o YAMLOverride
	if err := yaml.Unmarshal(data, &o); err != nil {
		return YAMLOverride{}
	}
	return o
}
