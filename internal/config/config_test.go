package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override searchPathsFunc
	// to avoid finding real config files on developer/deploy machines.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("sync:\n  auth:\n    bearer_token: ${AGENTSYNC_TEST_TOKEN}\n"), 0600)
	os.Setenv("AGENTSYNC_TEST_TOKEN", "secret123")
	defer os.Unsetenv("AGENTSYNC_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Sync.Auth.BearerToken != "secret123" {
		t.Errorf("bearer_token = %q, want %q", cfg.Sync.Auth.BearerToken, "secret123")
	}
}

func TestApplyDefaults_SyncTunables(t *testing.T) {
	cfg := Default()
	if cfg.Sync.SubscriberQueueCapacity != 100 {
		t.Errorf("subscriber_queue_capacity = %d, want 100", cfg.Sync.SubscriberQueueCapacity)
	}
	if cfg.Sync.InternalQueueCapacity != 200 {
		t.Errorf("internal_queue_capacity = %d, want 200", cfg.Sync.InternalQueueCapacity)
	}
	if cfg.Sync.RingBufferSize != 100 {
		t.Errorf("ring_buffer_size = %d, want 100", cfg.Sync.RingBufferSize)
	}
	if cfg.Sync.HeartbeatIntervalSec != 15 {
		t.Errorf("heartbeat_interval_seconds = %d, want 15", cfg.Sync.HeartbeatIntervalSec)
	}
	if cfg.Sync.EvictionThreshold != 10 {
		t.Errorf("eviction_threshold = %d, want 10", cfg.Sync.EvictionThreshold)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Sync.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range listen.port")
	}
}

func TestAuthConfig_DefaultTokenEmpty(t *testing.T) {
	cfg := Default()
	if cfg.Sync.Auth.BearerToken != "" {
		t.Errorf("expected empty bearer token by default, got %q", cfg.Sync.Auth.BearerToken)
	}
}
