// Package config loads engine settings from a YAML file, a .env file and
// INVSYNC_* environment variables, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/retry"
	"github.com/roach88/invsync/internal/syncer"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INVSYNC_"

// DefaultDatabase is the queue database used when none is configured.
const DefaultDatabase = "invsync.db"

// Config is the full engine configuration.
type Config struct {
	Database string         `yaml:"database"`
	Device   string         `yaml:"device"`
	Remote   RemoteConfig   `yaml:"remote"`
	Retry    retry.Policy   `yaml:"retry"`
	Sync     SyncConfig     `yaml:"sync"`
	Conflict ConflictConfig `yaml:"conflict"`
	Probe    ProbeConfig    `yaml:"probe"`
}

// RemoteConfig locates the mutation endpoint.
type RemoteConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the coordinator.
type SyncConfig struct {
	BatchConcurrency int           `yaml:"batch_concurrency"`
	Interval         time.Duration `yaml:"interval"`
	WifiOnly         bool          `yaml:"wifi_only"`
}

// ConflictConfig picks the resolution strategy. Merge, when set, resolves
// manual conflicts field by field instead of leaving them for a person.
type ConflictConfig struct {
	Strategy conflict.Mode         `yaml:"strategy"`
	Merge    *conflict.MergePolicy `yaml:"merge"`
}

// ProbeConfig drives the connectivity monitor.
type ProbeConfig struct {
	Target   string        `yaml:"target"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// Type is the connection type reported for a successful probe.
	Type connectivity.ConnectionType `yaml:"type"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Database: DefaultDatabase,
		Remote: RemoteConfig{
			Timeout: syncer.DefaultTimeoutInterval,
		},
		Retry: retry.DefaultPolicy(),
		Sync: SyncConfig{
			BatchConcurrency: syncer.DefaultBatchConcurrency,
		},
		Conflict: ConflictConfig{
			Strategy: conflict.ModeAuto,
		},
		Probe: ProbeConfig{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
			Type:     connectivity.ConnectionWiFi,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file. The result is validated.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overwriting variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if _, err := conflict.ParseMode(string(c.Conflict.Strategy)); err != nil {
		return err
	}
	if c.Conflict.Merge != nil {
		if err := c.Conflict.Merge.Validate(); err != nil {
			return fmt.Errorf("conflict merge: %w", err)
		}
	}
	if c.Probe.Interval < 0 {
		return fmt.Errorf("probe interval must be >= 0, got %s", c.Probe.Interval)
	}
	if c.Probe.Type != "" {
		if _, err := connectivity.ParseConnectionType(string(c.Probe.Type)); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}
	return c.Syncer().Validate()
}

// Syncer returns the coordinator settings.
func (c Config) Syncer() syncer.Config {
	return syncer.Config{
		Policy:           c.Retry,
		TimeoutInterval:  c.Remote.Timeout,
		BatchConcurrency: c.Sync.BatchConcurrency,
		SyncInterval:     c.Sync.Interval,
		WifiOnly:         c.Sync.WifiOnly,
	}
}

// ResolverOptions returns the options for conflict.NewResolver.
func (c Config) ResolverOptions() []conflict.Option {
	mode, _ := conflict.ParseMode(string(c.Conflict.Strategy))
	opts := []conflict.Option{conflict.WithMode(mode)}
	if c.Conflict.Merge != nil {
		opts = append(opts, conflict.WithPresenter(conflict.MergePresenter{Policy: *c.Conflict.Merge}))
	}
	return opts
}

// Prober returns the connectivity probe, or nil when no target is set.
func (c Config) Prober() connectivity.Prober {
	if c.Probe.Target == "" {
		return nil
	}
	return connectivity.DialProber{
		Address: c.Probe.Target,
		Timeout: c.Probe.Timeout,
		Type:    c.Probe.Type,
	}
}

// applyEnv overrides fields from INVSYNC_* variables. Every malformed value
// is reported.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	get := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := get(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("DATABASE", &c.Database)
	str("DEVICE", &c.Device)

	str("ENDPOINT", &c.Remote.Endpoint)
	str("TOKEN", &c.Remote.Token)
	dur("TIMEOUT", &c.Remote.Timeout)

	integer("MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	dur("INITIAL_DELAY", &c.Retry.InitialDelay)
	float("BACKOFF_MULTIPLIER", &c.Retry.BackoffMultiplier)
	float("JITTER", &c.Retry.Jitter)
	dur("MAX_DELAY", &c.Retry.MaxDelay)

	integer("BATCH_CONCURRENCY", &c.Sync.BatchConcurrency)
	dur("SYNC_INTERVAL", &c.Sync.Interval)
	boolean("WIFI_ONLY", &c.Sync.WifiOnly)

	if v, ok := get("CONFLICT_STRATEGY"); ok {
		c.Conflict.Strategy = conflict.Mode(v)
	}

	str("PROBE_TARGET", &c.Probe.Target)
	dur("PROBE_INTERVAL", &c.Probe.Interval)
	dur("PROBE_TIMEOUT", &c.Probe.Timeout)
	if v, ok := get("PROBE_TYPE"); ok {
		c.Probe.Type = connectivity.ConnectionType(v)
	}

	return errors.Join(errs...)
}
