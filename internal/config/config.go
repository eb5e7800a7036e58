// Package config loads the process-wide server configuration. Values come
// from an optional YAML file, then the environment (with an optional .env
// file for development), then built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration, read once at startup.
type Config struct {
	// ListenAddr is the host:port the main server binds.
	ListenAddr string `yaml:"listen_addr"`
	// OpsAddr is the host:port of the metrics/health listener. Empty
	// disables the ops listener.
	OpsAddr string `yaml:"ops_addr"`
	// BaseURI is the externally visible base URI of the server.
	BaseURI string `yaml:"base_uri"`

	// StateDir holds all durable state. Component logs and snapshots live
	// under StateDir/db, the blob store under StateDir/blobs.
	StateDir string `yaml:"state_dir"`
	// StaticDir holds static assets; its absence is fatal at startup.
	StaticDir string `yaml:"static_dir"`
	// TemplateDir holds HTML templates for features that render pages.
	TemplateDir string `yaml:"template_dir"`
	// TmpDir holds scratch files. Empty means the OS default.
	TmpDir string `yaml:"tmp_dir"`

	// CheckpointInterval is the period of the background checkpoint timer.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// RequestBodyLimit caps request body size in bytes; oversized bodies
	// are rejected before any handler runs.
	RequestBodyLimit int64 `yaml:"request_body_limit"`
	// MaintenanceDelay is how long a slow startup runs before the
	// maintenance listener answers in the server's place.
	MaintenanceDelay time.Duration `yaml:"maintenance_delay"`

	// SessionSecret signs session tokens. Empty generates an ephemeral
	// secret, invalidating sessions across restarts.
	SessionSecret string `yaml:"session_secret"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:         ":8080",
		OpsAddr:            ":9090",
		BaseURI:            "http://localhost:8080",
		StateDir:           "state",
		StaticDir:          "static",
		TemplateDir:        "templates",
		CheckpointInterval: 30 * time.Minute,
		RequestBodyLimit:   64 << 20, // 64 MiB, bounds upload memory
		MaintenanceDelay:   5 * time.Second,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// .env is a development convenience; a missing file is not an error.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, "HACKAGE_LISTEN_ADDR")
	setString(&c.OpsAddr, "HACKAGE_OPS_ADDR")
	setString(&c.BaseURI, "HACKAGE_BASE_URI")
	setString(&c.StateDir, "HACKAGE_STATE_DIR")
	setString(&c.StaticDir, "HACKAGE_STATIC_DIR")
	setString(&c.TemplateDir, "HACKAGE_TEMPLATE_DIR")
	setString(&c.TmpDir, "HACKAGE_TMP_DIR")
	setString(&c.SessionSecret, "HACKAGE_SESSION_SECRET")
	setString(&c.LogLevel, "HACKAGE_LOG_LEVEL")
	setString(&c.LogFormat, "HACKAGE_LOG_FORMAT")
	if err := setDuration(&c.CheckpointInterval, "HACKAGE_CHECKPOINT_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.MaintenanceDelay, "HACKAGE_MAINTENANCE_DELAY"); err != nil {
		return err
	}
	return setInt64(&c.RequestBodyLimit, "HACKAGE_REQUEST_BODY_LIMIT")
}

// Validate checks invariants that would otherwise fail obscurely later.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be positive")
	}
	if c.RequestBodyLimit <= 0 {
		return fmt.Errorf("request_body_limit must be positive")
	}
	return nil
}

// DataDir is the root for state component logs and snapshots.
func (c *Config) DataDir() string { return filepath.Join(c.StateDir, "db") }

// BlobDir is the root of the content-addressed blob store.
func (c *Config) BlobDir() string { return filepath.Join(c.StateDir, "blobs") }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration and setInt64 fail loudly on malformed values: a typo in a
// tuning variable must not silently fall back to another source.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = n
	return nil
}
