package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() failed: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
listen_addr: ":9999"
state_dir: /var/lib/hackage
checkpoint_interval: 5m
request_body_limit: 1048576
log_level: debug
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StateDir != "/var/lib/hackage" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.CheckpointInterval != 5*time.Minute {
		t.Errorf("CheckpointInterval = %v", cfg.CheckpointInterval)
	}
	if cfg.RequestBodyLimit != 1<<20 {
		t.Errorf("RequestBodyLimit = %d", cfg.RequestBodyLimit)
	}
	// Unset fields keep their defaults.
	if cfg.StaticDir != "static" {
		t.Errorf("StaticDir = %q, want default", cfg.StaticDir)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("HACKAGE_LISTEN_ADDR", ":7777")
	t.Setenv("HACKAGE_CHECKPOINT_INTERVAL", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want env value", cfg.ListenAddr)
	}
	if cfg.CheckpointInterval != 90*time.Second {
		t.Errorf("CheckpointInterval = %v, want 90s", cfg.CheckpointInterval)
	}
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("HACKAGE_CHECKPOINT_INTERVAL", "banana")
		if _, err := Load(""); err == nil {
			t.Error("Load() accepted a malformed duration")
		}
	})

	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("HACKAGE_REQUEST_BODY_LIMIT", "64MiB")
		if _, err := Load(""); err == nil {
			t.Error("Load() accepted a malformed byte count")
		}
	})
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load(missing file) succeeded")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"empty state dir", func(c *Config) { c.StateDir = "" }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
		{"zero body limit", func(c *Config) { c.RequestBodyLimit = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() accepted an invalid config")
			}
		})
	}
}

func TestDerivedDirectories(t *testing.T) {
	cfg := Default()
	cfg.StateDir = "/data"
	if got := cfg.DataDir(); got != filepath.Join("/data", "db") {
		t.Errorf("DataDir() = %q", got)
	}
	if got := cfg.BlobDir(); got != filepath.Join("/data", "blobs") {
		t.Errorf("BlobDir() = %q", got)
	}
}
