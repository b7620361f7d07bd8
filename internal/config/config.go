// Package config loads the livedoc process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Durations are Go duration strings
// ("2.5s", "5m") in the file.
type Config struct {
	// Threads is the number of executor shards.
	Threads int `yaml:"threads"`

	// Region and Machine name this process in the finder directory.
	Region  string `yaml:"region"`
	Machine string `yaml:"machine"`

	// Database is the local SQLite durability store.
	Database string `yaml:"database"`

	// FinderDatabase is the shared directory. Empty means single-machine
	// mode, where documents are never relocated or archived.
	FinderDatabase string `yaml:"finder_database"`

	// ArchiveDatabase is the shared archive store, attached to Database.
	ArchiveDatabase string `yaml:"archive_database"`

	// SpacesDir holds one CUE file per namespace.
	SpacesDir string `yaml:"spaces_dir"`

	CleanupDelay    time.Duration `yaml:"cleanup_delay"`
	ReconcileDelay  time.Duration `yaml:"reconcile_delay"`
	ArchiveDelay    time.Duration `yaml:"archive_delay"`
	ArchiveRetry    time.Duration `yaml:"archive_retry"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Threads:         runtime.NumCPU(),
		Region:          "local",
		Machine:         "local",
		Database:        "livedoc.db",
		SpacesDir:       "spaces",
		CleanupDelay:    2500 * time.Millisecond,
		ReconcileDelay:  2500 * time.Millisecond,
		ArchiveDelay:    5 * time.Minute,
		ArchiveRetry:    10 * time.Second,
		ShutdownTimeout: time.Second,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // typos fail loudly
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// Managed reports whether documents are placed through the finder.
func (c *Config) Managed() bool {
	return c.FinderDatabase != ""
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if c.SpacesDir == "" {
		errs = append(errs, errors.New("spaces_dir is required"))
	}
	if c.Managed() && (c.Region == "" || c.Machine == "") {
		errs = append(errs, errors.New("region and machine are required with finder_database"))
	}
	for name, d := range map[string]time.Duration{
		"cleanup_delay":    c.CleanupDelay,
		"reconcile_delay":  c.ReconcileDelay,
		"archive_delay":    c.ArchiveDelay,
		"archive_retry":    c.ArchiveRetry,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.ArchiveRetry > c.ArchiveDelay {
		errs = append(errs, fmt.Errorf("archive_retry (%s) must not exceed archive_delay (%s)", c.ArchiveRetry, c.ArchiveDelay))
	}
	return errors.Join(errs...)
}
