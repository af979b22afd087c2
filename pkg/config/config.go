// Package config handles graphlock configuration via environment variables
// and an optional YAML file.
//
// Values are resolved in three layers: built-in defaults, then the YAML file
// (if one is given), then GRAPHLOCK_ environment variables. A value set in
// the environment always wins.
//
// Example Usage:
//
//	cfg, err := config.Load("./graphlock.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Locks:
//   - GRAPHLOCK_HASH_VERSION="v2" (or "v1"/"legacy")
//   - GRAPHLOCK_LOG_DEADLOCKS=true
//
// Tracing:
//   - GRAPHLOCK_TRACING_ENABLED=true
//   - GRAPHLOCK_SLOW_WAIT_THRESHOLD=100ms
//   - GRAPHLOCK_JOURNAL_DIR="./data/waits"
//   - GRAPHLOCK_JOURNAL_BUFFER=4096
//
// Logging:
//   - GRAPHLOCK_LOG_LEVEL=info
//   - GRAPHLOCK_LOG_FORMAT=text
//   - GRAPHLOCK_LOG_OUTPUT=stderr
//
// Workload:
//   - GRAPHLOCK_WORKLOAD_CLIENTS=8
//   - GRAPHLOCK_WORKLOAD_RESOURCES=64
//   - GRAPHLOCK_WORKLOAD_TRANSACTIONS=1000
//   - GRAPHLOCK_WORKLOAD_LOCKS_PER_TX=4
//   - GRAPHLOCK_WORKLOAD_EXCLUSIVE_RATIO=0.3
//   - GRAPHLOCK_WORKLOAD_HOT_SET=8
//   - GRAPHLOCK_WORKLOAD_SEED=1
//   - GRAPHLOCK_WORKLOAD_MAX_RETRIES=50
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/graphlock/pkg/resource"
)

// Config holds all graphlock configuration.
//
// Configuration is organized into logical sections:
//   - Locks: lock manager behavior
//   - Tracing: wait tracing and the wait journal
//   - Logging: logger construction
//   - Workload: the stress harness
type Config struct {
	Locks    LockConfig     `yaml:"locks"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Logging  LoggingConfig  `yaml:"logging"`
	Workload WorkloadConfig `yaml:"workload"`
}

// LockConfig holds lock manager settings.
type LockConfig struct {
	// HashVersion selects the index entry hasher ("v1", "v2")
	HashVersion string `yaml:"hash_version"`
	// LogDeadlocks writes a debug entry for every rejected wait
	LogDeadlocks bool `yaml:"log_deadlocks"`
}

// TracingConfig holds wait tracing settings.
type TracingConfig struct {
	// Enabled turns on the logging tracer
	Enabled bool `yaml:"enabled"`
	// SlowWaitThreshold logs waits at least this long as warnings. Zero
	// disables the warning.
	SlowWaitThreshold time.Duration `yaml:"slow_wait_threshold"`
	// JournalDir enables the badger wait journal when non-empty
	JournalDir string `yaml:"journal_dir"`
	// JournalBuffer bounds records queued for the journal writer
	JournalBuffer int `yaml:"journal_buffer"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, text)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// WorkloadConfig holds stress harness settings.
type WorkloadConfig struct {
	// Clients is the number of concurrent transactions
	Clients int `yaml:"clients"`
	// Resources is the number of distinct node ids
	Resources int `yaml:"resources"`
	// Transactions is the number committed by each client
	Transactions int `yaml:"transactions"`
	// LocksPerTx is the number of locks each transaction takes
	LocksPerTx int `yaml:"locks_per_tx"`
	// ExclusiveRatio is the fraction of locks taken exclusively
	ExclusiveRatio float64 `yaml:"exclusive_ratio"`
	// HotSet is the number of ids that take most of the traffic
	HotSet int `yaml:"hot_set"`
	// Seed for the per-client random sources. Zero picks one from the clock.
	Seed int64 `yaml:"seed"`
	// MaxRetries bounds deadlock retries of one transaction
	MaxRetries int `yaml:"max_retries"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Locks: LockConfig{
			HashVersion: resource.DefaultHashVersion.String(),
		},
		Tracing: TracingConfig{
			SlowWaitThreshold: 100 * time.Millisecond,
			JournalBuffer:     4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Workload: WorkloadConfig{
			Clients:        8,
			Resources:      64,
			Transactions:   1000,
			LocksPerTx:     4,
			ExclusiveRatio: 0.3,
			HotSet:         8,
			MaxRetries:     50,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
//
// Thread Safety:
//
//	LoadFromEnv reads environment variables which are process-global and
//	should not be modified after startup.
func LoadFromEnv() *Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile returns the defaults overridden by the YAML file at path. Keys
// missing from the file keep their default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the full configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Locks.HashVersion = getEnv("GRAPHLOCK_HASH_VERSION", c.Locks.HashVersion)
	c.Locks.LogDeadlocks = getEnvBool("GRAPHLOCK_LOG_DEADLOCKS", c.Locks.LogDeadlocks)

	c.Tracing.Enabled = getEnvBool("GRAPHLOCK_TRACING_ENABLED", c.Tracing.Enabled)
	c.Tracing.SlowWaitThreshold = getEnvDuration("GRAPHLOCK_SLOW_WAIT_THRESHOLD", c.Tracing.SlowWaitThreshold)
	c.Tracing.JournalDir = getEnv("GRAPHLOCK_JOURNAL_DIR", c.Tracing.JournalDir)
	c.Tracing.JournalBuffer = getEnvInt("GRAPHLOCK_JOURNAL_BUFFER", c.Tracing.JournalBuffer)

	c.Logging.Level = getEnv("GRAPHLOCK_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GRAPHLOCK_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("GRAPHLOCK_LOG_OUTPUT", c.Logging.Output)

	c.Workload.Clients = getEnvInt("GRAPHLOCK_WORKLOAD_CLIENTS", c.Workload.Clients)
	c.Workload.Resources = getEnvInt("GRAPHLOCK_WORKLOAD_RESOURCES", c.Workload.Resources)
	c.Workload.Transactions = getEnvInt("GRAPHLOCK_WORKLOAD_TRANSACTIONS", c.Workload.Transactions)
	c.Workload.LocksPerTx = getEnvInt("GRAPHLOCK_WORKLOAD_LOCKS_PER_TX", c.Workload.LocksPerTx)
	c.Workload.ExclusiveRatio = getEnvFloat("GRAPHLOCK_WORKLOAD_EXCLUSIVE_RATIO", c.Workload.ExclusiveRatio)
	c.Workload.HotSet = getEnvInt("GRAPHLOCK_WORKLOAD_HOT_SET", c.Workload.HotSet)
	c.Workload.Seed = int64(getEnvInt("GRAPHLOCK_WORKLOAD_SEED", int(c.Workload.Seed)))
	c.Workload.MaxRetries = getEnvInt("GRAPHLOCK_WORKLOAD_MAX_RETRIES", c.Workload.MaxRetries)
}

// Validate checks the configuration for invalid values.
//
// Returns nil if configuration is valid, or an error describing the first
// problem found.
func (c *Config) Validate() error {
	if _, err := resource.ParseHashVersion(c.Locks.HashVersion); err != nil {
		return fmt.Errorf("locks.hash_version: %w", err)
	}

	if c.Tracing.SlowWaitThreshold < 0 {
		return fmt.Errorf("invalid slow wait threshold: %s", c.Tracing.SlowWaitThreshold)
	}
	if c.Tracing.JournalBuffer <= 0 {
		return fmt.Errorf("invalid journal buffer: %d", c.Tracing.JournalBuffer)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q (want json or text)", c.Logging.Format)
	}

	w := c.Workload
	if w.Clients <= 0 {
		return fmt.Errorf("invalid workload clients: %d", w.Clients)
	}
	if w.Resources <= 0 {
		return fmt.Errorf("invalid workload resources: %d", w.Resources)
	}
	if w.Transactions <= 0 {
		return fmt.Errorf("invalid workload transactions: %d", w.Transactions)
	}
	if w.LocksPerTx <= 0 || w.LocksPerTx > w.Resources {
		return fmt.Errorf("invalid workload locks per transaction: %d (resources: %d)", w.LocksPerTx, w.Resources)
	}
	if w.ExclusiveRatio < 0 || w.ExclusiveRatio > 1 {
		return fmt.Errorf("invalid workload exclusive ratio: %g", w.ExclusiveRatio)
	}
	if w.HotSet < 0 || w.HotSet > w.Resources {
		return fmt.Errorf("invalid workload hot set: %d (resources: %d)", w.HotSet, w.Resources)
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("invalid workload max retries: %d", w.MaxRetries)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	journal := c.Tracing.JournalDir
	if journal == "" {
		journal = "off"
	}
	return fmt.Sprintf(
		"Config{Hash: %s, Tracing: %v, SlowWait: %s, Journal: %s, Log: %s/%s, Workload: %dx%d}",
		c.Locks.HashVersion,
		c.Tracing.Enabled, c.Tracing.SlowWaitThreshold, journal,
		c.Logging.Level, c.Logging.Format,
		c.Workload.Clients, c.Workload.Transactions,
	)
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as milliseconds
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
