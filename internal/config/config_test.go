package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Fatalf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Server.PresenceTTL != 70*time.Second {
		t.Fatalf("presence_ttl = %s", cfg.Server.PresenceTTL)
	}
	if cfg.Log.MaxSizeMB != 10 {
		t.Fatalf("max_size_mb = %d", cfg.Log.MaxSizeMB)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("username: Mango_Panda\nserver_url: http://broker:9090\nserver:\n  presence_ttl: 30s\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Username != "Mango_Panda" {
		t.Fatalf("username = %q", cfg.Username)
	}
	if cfg.ServerURL != "http://broker:9090" {
		t.Fatalf("server_url = %q", cfg.ServerURL)
	}
	if cfg.Server.PresenceTTL != 30*time.Second {
		t.Fatalf("presence_ttl = %s", cfg.Server.PresenceTTL)
	}
	// Unset keys keep their defaults.
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("username: FromFile\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("QUIZPULSE_USERNAME", "FromEnv")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Username != "FromEnv" {
		t.Fatalf("username = %q, env must win", cfg.Username)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Fatalf("listen = %q", cfg.Server.Listen)
	}

	if err := WriteDefault(path); err == nil {
		t.Fatal("WriteDefault must refuse to overwrite")
	}
}
