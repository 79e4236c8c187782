// Package config loads and overlays duramqd runtime configuration: JSON or
// YAML file, then DURAMQ_* environment variables, then CLI flags (applied by
// the caller after Load/FromEnv return).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a duramqd process.
type Config struct {
	// Addr is the TCP address the memcache-compatible listener binds to.
	Addr string `json:"addr" yaml:"addr"`
	// DataDir holds per-queue journals and the reservation index.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// MetricsAddr, when non-empty, serves Prometheus metrics on /metrics.
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr"`

	// Fsync selects PeriodicSyncStorage's durability mode: "sync", "never", or "periodic".
	Fsync string `json:"fsync" yaml:"fsync"`
	// FsyncInterval is the group-commit window when Fsync == "periodic".
	FsyncInterval time.Duration `json:"fsyncInterval" yaml:"fsyncInterval"`

	// MaxOpenReads bounds the number of concurrent reliable reads a single
	// session may hold open across all queues.
	MaxOpenReads int `json:"maxOpenReads" yaml:"maxOpenReads"`
	// MaxItemBytes bounds a single set payload.
	MaxItemBytes int `json:"maxItemBytes" yaml:"maxItemBytes"`
	// MaxSessions gates the AvailabilityGate: a session that connects while the
	// count exceeds it has both its writes and its reads refused, so the server
	// degrades instead of falling over.
	MaxSessions int `json:"maxSessions" yaml:"maxSessions"`

	// ShutdownGraceMs is how long the server holds a `shutdown` response open
	// before tearing down the listener, so the client observes the reply.
	ShutdownGraceMs int `json:"shutdownGraceMs" yaml:"shutdownGraceMs"`

	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	LogFormat string `json:"logFormat" yaml:"logFormat"`
}

// Default returns built-in defaults. The listen address follows the
// conventional Kestrel-style memcache port.
func Default() Config {
	return Config{
		Addr:            ":22133",
		DataDir:         DefaultDataDir(),
		Fsync:           "sync",
		FsyncInterval:   5 * time.Millisecond,
		MaxOpenReads:    100,
		MaxItemBytes:    10 << 20,
		MaxSessions:     20000,
		ShutdownGraceMs: 100,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads configuration from a JSON or YAML file (chosen by extension).
// An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	default:
		// fsyncInterval accepts a duration string ("20ms") or a nanosecond count.
		type plain Config
		aux := struct {
			*plain
			FsyncInterval interface{} `json:"fsyncInterval"`
		}{plain: (*plain)(&cfg)}
		if err := json.Unmarshal(b, &aux); err != nil {
			return Config{}, fmt.Errorf("config: parse json: %w", err)
		}
		switch v := aux.FsyncInterval.(type) {
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("config: parse json: fsyncInterval: %w", err)
			}
			cfg.FsyncInterval = d
		case float64:
			cfg.FsyncInterval = time.Duration(v)
		}
	}
	return cfg, nil
}
