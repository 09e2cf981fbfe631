package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Download.GetChunkSize() != 256*1024 {
		t.Errorf("chunk size = %d, want %d", cfg.Download.GetChunkSize(), 256*1024)
	}
	if cfg.Download.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Download.MaxRetries)
	}
	if !cfg.Download.DeletePartialOnCancel || !cfg.Download.ResumeInterrupted {
		t.Error("DeletePartialOnCancel and ResumeInterrupted should default to true")
	}
	if cfg.Download.GetRetryBackoff() != time.Second || cfg.Download.GetRetryMaxBackoff() != time.Minute {
		t.Errorf("backoff = %v..%v, want 1s..1m", cfg.Download.GetRetryBackoff(), cfg.Download.GetRetryMaxBackoff())
	}
	if cfg.Server.Enabled {
		t.Error("server should be disabled by default")
	}
	if cfg.Maintenance.GetTerminalRetention() != 7*24*time.Hour {
		t.Errorf("TerminalRetention = %v, want 168h", cfg.Maintenance.GetTerminalRetention())
	}
	if cfg.Database.Path == "" {
		t.Error("database.path should have a default")
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
download:
  chunk_size_kb: 64
  max_retries: 2
  retry_backoff: 500ms
  retry_max_backoff: 10s
  delete_partial_on_cancel: false
fetch:
  user_agent: test-agent
server:
  enabled: true
  bind_addr: 127.0.0.1:9999
maintenance:
  terminal_retention: 24h
logging:
  level: debug
  format: text
database:
  path: /tmp/sessions.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Download.GetChunkSize() != 64*1024 {
		t.Errorf("chunk size = %d, want %d", cfg.Download.GetChunkSize(), 64*1024)
	}
	if cfg.Download.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Download.MaxRetries)
	}
	if cfg.Download.GetRetryBackoff() != 500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 500ms", cfg.Download.GetRetryBackoff())
	}
	if cfg.Download.DeletePartialOnCancel {
		t.Error("DeletePartialOnCancel should be false")
	}
	if cfg.Fetch.UserAgent != "test-agent" {
		t.Errorf("UserAgent = %q", cfg.Fetch.UserAgent)
	}
	if !cfg.Server.Enabled || cfg.Server.BindAddr != "127.0.0.1:9999" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Maintenance.GetTerminalRetention() != 24*time.Hour {
		t.Errorf("TerminalRetention = %v, want 24h", cfg.Maintenance.GetTerminalRetention())
	}
	// Unset keys keep their defaults
	if cfg.Fetch.GetResponseHeaderTimeout() != 30*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 30s", cfg.Fetch.GetResponseHeaderTimeout())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("RDL_DOWNLOAD_MAX_RETRIES", "9")
	t.Setenv("RDL_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Download.MaxRetries != 9 {
		t.Errorf("MaxRetries = %d, want 9", cfg.Download.MaxRetries)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero chunk size", "download:\n  chunk_size_kb: 0\n", "chunk_size_kb"},
		{"negative retries", "download:\n  max_retries: -1\n", "max_retries"},
		{"bad duration", "download:\n  retry_backoff: soon\n", "download.retry_backoff"},
		{"max below base", "download:\n  retry_backoff: 10s\n  retry_max_backoff: 1s\n", "retry_max_backoff"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"user without password", "server:\n  debug_username: admin\n", "debug_password"},
		{"empty server addr", "server:\n  enabled: true\n  bind_addr: \"\"\n", "bind_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("Load() should fail validation")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
