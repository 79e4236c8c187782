package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Addr != ":22133" {
		t.Fatalf("default addr = %q", cfg.Addr)
	}
	if cfg.Fsync != "sync" {
		t.Fatalf("default fsync = %q", cfg.Fsync)
	}
	if cfg.MaxOpenReads != 100 {
		t.Fatalf("default maxOpenReads = %d", cfg.MaxOpenReads)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "duramq.json")
	data := []byte(`{"addr":":9999","fsync":"periodic","fsyncInterval":"20ms","maxOpenReads":5}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("expected :9999, got %s", cfg.Addr)
	}
	if cfg.Fsync != "periodic" {
		t.Fatalf("expected periodic, got %s", cfg.Fsync)
	}
	if cfg.FsyncInterval != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", cfg.FsyncInterval)
	}
	if cfg.MaxOpenReads != 5 {
		t.Fatalf("expected 5, got %d", cfg.MaxOpenReads)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "duramq.yaml")
	data := []byte("addr: \":9000\"\nfsync: never\nmaxSessions: 10\n")
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Fatalf("expected :9000, got %s", cfg.Addr)
	}
	if cfg.Fsync != "never" {
		t.Fatalf("expected never, got %s", cfg.Fsync)
	}
	if cfg.MaxSessions != 10 {
		t.Fatalf("expected 10, got %d", cfg.MaxSessions)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	os.Setenv("DURAMQ_ADDR", ":7000")
	os.Setenv("DURAMQ_FSYNC", "never")
	os.Setenv("DURAMQ_MAX_OPEN_READS", "42")
	t.Cleanup(func() {
		os.Unsetenv("DURAMQ_ADDR")
		os.Unsetenv("DURAMQ_FSYNC")
		os.Unsetenv("DURAMQ_MAX_OPEN_READS")
	})
	FromEnv(&cfg)
	if cfg.Addr != ":7000" {
		t.Fatalf("env override addr")
	}
	if cfg.Fsync != "never" {
		t.Fatalf("env override fsync")
	}
	if cfg.MaxOpenReads != 42 {
		t.Fatalf("env override maxOpenReads")
	}
}
