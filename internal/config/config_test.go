package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SERVER_PORT")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerPort != 8080 {
		t.Fatalf("server port = %d, want 8080", cfg.ServerPort)
	}
	if cfg.SessionIdleTTLSecs != 600 {
		t.Fatalf("idle ttl secs = %d, want 600", cfg.SessionIdleTTLSecs)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(path, []byte("server_port: 9090\nsecurity_tier: moderate\n"), 0644); err != nil {
		t.Fatalf("write override: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServerPort != 9090 {
		t.Fatalf("server port = %d, want 9090", cfg.ServerPort)
	}
	if cfg.SecurityTier != "moderate" {
		t.Fatalf("security tier = %q, want moderate", cfg.SecurityTier)
	}
}

func TestImageAllowlistParsesCSV(t *testing.T) {
	os.Setenv("IMAGE_ALLOWLIST", "alpine:latest,ubuntu:22.04")
	defer os.Unsetenv("IMAGE_ALLOWLIST")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ImageAllowlist) != 2 {
		t.Fatalf("allowlist = %v, want 2 entries", cfg.ImageAllowlist)
	}
}
