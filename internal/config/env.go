package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays DURAMQ_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("DURAMQ_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DURAMQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DURAMQ_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("DURAMQ_FSYNC"); v != "" {
		cfg.Fsync = v
	}
	if v := os.Getenv("DURAMQ_FSYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FsyncInterval = d
		}
	}
	if v := os.Getenv("DURAMQ_MAX_OPEN_READS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOpenReads = n
		}
	}
	if v := os.Getenv("DURAMQ_MAX_ITEM_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxItemBytes = n
		}
	}
	if v := os.Getenv("DURAMQ_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("DURAMQ_SHUTDOWN_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ShutdownGraceMs = n
		}
	}
	if v := os.Getenv("DURAMQ_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DURAMQ_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
}
