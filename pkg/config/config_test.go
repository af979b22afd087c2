package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Layering Tests
// =============================================================================

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Locks.HashVersion != "v2" {
		t.Errorf("HashVersion = %q, want v2", cfg.Locks.HashVersion)
	}
	if cfg.Tracing.SlowWaitThreshold != 100*time.Millisecond {
		t.Errorf("SlowWaitThreshold = %v, want 100ms", cfg.Tracing.SlowWaitThreshold)
	}
	if cfg.Tracing.JournalDir != "" {
		t.Errorf("journal must be off by default, got %q", cfg.Tracing.JournalDir)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GRAPHLOCK_HASH_VERSION", "legacy")
	t.Setenv("GRAPHLOCK_LOG_DEADLOCKS", "yes")
	t.Setenv("GRAPHLOCK_SLOW_WAIT_THRESHOLD", "250")
	t.Setenv("GRAPHLOCK_WORKLOAD_CLIENTS", "32")
	t.Setenv("GRAPHLOCK_WORKLOAD_EXCLUSIVE_RATIO", "0.75")
	t.Setenv("GRAPHLOCK_WORKLOAD_SEED", "42")
	t.Setenv("GRAPHLOCK_WORKLOAD_RESOURCES", "not-a-number")

	cfg := LoadFromEnv()
	if cfg.Locks.HashVersion != "legacy" {
		t.Errorf("HashVersion = %q", cfg.Locks.HashVersion)
	}
	if !cfg.Locks.LogDeadlocks {
		t.Error("LogDeadlocks should be true")
	}
	if cfg.Tracing.SlowWaitThreshold != 250*time.Millisecond {
		t.Errorf("bare numbers are milliseconds, got %v", cfg.Tracing.SlowWaitThreshold)
	}
	if cfg.Workload.Clients != 32 {
		t.Errorf("Clients = %d", cfg.Workload.Clients)
	}
	if cfg.Workload.ExclusiveRatio != 0.75 {
		t.Errorf("ExclusiveRatio = %g", cfg.Workload.ExclusiveRatio)
	}
	if cfg.Workload.Seed != 42 {
		t.Errorf("Seed = %d", cfg.Workload.Seed)
	}
	if cfg.Workload.Resources != Defaults().Workload.Resources {
		t.Errorf("unparsable value should keep the default, got %d", cfg.Workload.Resources)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graphlock.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
locks:
  hash_version: v1
tracing:
  enabled: true
  slow_wait_threshold: 2s
  journal_dir: /var/lib/graphlock/waits
logging:
  level: debug
  format: json
workload:
  clients: 4
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Locks.HashVersion != "v1" {
		t.Errorf("HashVersion = %q", cfg.Locks.HashVersion)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SlowWaitThreshold != 2*time.Second {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.JournalDir != "/var/lib/graphlock/waits" {
		t.Errorf("JournalDir = %q", cfg.Tracing.JournalDir)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Errorf("Logging = %+v, output should keep its default", cfg.Logging)
	}
	if cfg.Workload.Clients != 4 || cfg.Workload.Transactions != 1000 {
		t.Errorf("Workload = %+v", cfg.Workload)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\nworkload:\n  clients: 4\n")
	t.Setenv("GRAPHLOCK_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env should win over file, got %q", cfg.Logging.Level)
	}
	if cfg.Workload.Clients != 4 {
		t.Errorf("file should win over defaults, got %d", cfg.Workload.Clients)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	path := writeConfig(t, "locks: [not, a, map]\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("malformed file should fail")
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("empty path should use defaults: %v", err)
	}
	if cfg.Workload.Clients != 8 {
		t.Errorf("Clients = %d", cfg.Workload.Clients)
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"hash version", func(c *Config) { c.Locks.HashVersion = "v9" }, "hash_version"},
		{"negative threshold", func(c *Config) { c.Tracing.SlowWaitThreshold = -time.Second }, "slow wait"},
		{"journal buffer", func(c *Config) { c.Tracing.JournalBuffer = 0 }, "journal buffer"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"clients", func(c *Config) { c.Workload.Clients = 0 }, "clients"},
		{"locks per tx", func(c *Config) { c.Workload.LocksPerTx = 1000 }, "locks per transaction"},
		{"ratio", func(c *Config) { c.Workload.ExclusiveRatio = 1.5 }, "exclusive ratio"},
		{"hot set", func(c *Config) { c.Workload.HotSet = -1 }, "hot set"},
		{"retries", func(c *Config) { c.Workload.MaxRetries = -1 }, "max retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	s := Defaults().String()
	for _, want := range []string{"Hash: v2", "Journal: off", "Log: info/text", "Workload: 8x1000"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.Tracing.JournalDir = "/tmp/waits"
	out, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "slow_wait_threshold: 100ms") {
		t.Errorf("durations should render as strings:\n%s", out)
	}

	back, err := LoadFile(writeConfig(t, out))
	if err != nil {
		t.Fatal(err)
	}
	if *back != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, cfg)
	}
}
