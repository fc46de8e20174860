package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MMSESSION_STORAGE_PATH", filepath.Join(dir, "data", "sessions.bolt"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sessions.Timeout != "30m" {
		t.Errorf("Expected default timeout 30m, got %s", cfg.Sessions.Timeout)
	}
	if cfg.Sessions.SaveInterval != "5s" {
		t.Errorf("Expected default save interval 5s, got %s", cfg.Sessions.SaveInterval)
	}
	if cfg.Storage.Type != "bolt" {
		t.Errorf("Expected bolt storage, got %s", cfg.Storage.Type)
	}
	if _, err := os.Stat(filepath.Join(dir, "data")); err != nil {
		t.Errorf("Expected storage directory to be created: %v", err)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
installation:
  push_registration_id: device-123
sessions:
  timeout: 10m
storage:
  type: sqlite
  path: `+filepath.Join(dir, "sessions.db")+`
logging:
  level: debug
`)
	t.Setenv("MMSESSION_SESSIONS_SAVE_INTERVAL", "2s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Installation.PushRegistrationID != "device-123" {
		t.Errorf("Expected push registration id from file, got %q", cfg.Installation.PushRegistrationID)
	}
	if cfg.Sessions.Timeout != "10m" {
		t.Errorf("Expected timeout 10m, got %s", cfg.Sessions.Timeout)
	}
	if cfg.Sessions.SaveInterval != "2s" {
		t.Errorf("Expected env override 2s, got %s", cfg.Sessions.SaveInterval)
	}
	if cfg.Storage.Type != "sqlite" {
		t.Errorf("Expected sqlite storage, got %s", cfg.Storage.Type)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "sessions.bolt")

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "bad timeout",
			body:    "sessions:\n  timeout: forever\nstorage:\n  path: " + storagePath + "\n",
			wantErr: "sessions.timeout",
		},
		{
			name:    "zero save interval",
			body:    "sessions:\n  save_interval: 0s\nstorage:\n  path: " + storagePath + "\n",
			wantErr: "sessions.save_interval must be positive",
		},
		{
			name:    "unknown storage type",
			body:    "storage:\n  type: etcd\n",
			wantErr: "unknown storage type",
		},
		{
			name:    "file uploader without path",
			body:    "reporting:\n  uploader: file\nstorage:\n  path: " + storagePath + "\n",
			wantErr: "reporting.file_path",
		},
		{
			name:    "bad metrics port",
			body:    "server:\n  metrics_port: 70000\nstorage:\n  path: " + storagePath + "\n",
			wantErr: "invalid metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestKnownKeysCoverDefaults(t *testing.T) {
	keys := KnownKeys()

	want := []string{
		"installation.push_registration_id",
		"sessions.timeout",
		"storage.redis.key_prefix",
		"reporting.breaker.max_failures",
		"server.metrics_port",
	}
	for _, key := range want {
		found := false
		for _, k := range keys {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected %s in known keys", key)
		}
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5s", 5 * time.Second},
		{"", time.Minute},
		{"nope", time.Minute},
		{"-1s", time.Minute},
	}

	for _, tt := range tests {
		if got := Duration(tt.in, time.Minute); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
