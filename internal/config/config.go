// Package config handles agentsync configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentsync/config.yaml, /config/config.yaml,
// /etc/agentsync/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentsync", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/agentsync/config.yaml")
	return paths
}

// searchPathsFunc is indirected through a variable so tests can override
// the search order without touching the real filesystem outside a temp dir.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all agentsync configuration.
type Config struct {
	Sync     SyncConfig `yaml:"sync"`
	DataDir  string     `yaml:"data_dir"`
	LogLevel string     `yaml:"log_level"`
}

// ListenConfig defines the HTTP server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig defines bearer-token enforcement for the RPC and SSE surfaces.
type AuthConfig struct {
	// BearerToken, if non-empty, is the single shared secret every request
	// must present as "Authorization: Bearer <token>". Empty disables
	// enforcement entirely — intended for local/loopback development only.
	BearerToken string `yaml:"bearer_token"`
}

// SyncConfig holds the tunables for the EventHub / Turn Coordinator / SSE
// Endpoint / Confirmation Broker core. Every field defaults to the sync
// core's built-in constant when left at its zero value, so a missing
// "sync:" section in config.yaml is a fully valid, fully functional
// configuration.
type SyncConfig struct {
	Listen                  ListenConfig `yaml:"listen"`
	Auth                    AuthConfig   `yaml:"auth"`
	SubscriberQueueCapacity int          `yaml:"subscriber_queue_capacity"`
	// InternalQueueCapacity sizes the transcript Recorder's hub
	// subscription (an in-process consumer, not a terminal), which can
	// afford a larger buffer than an SSE connection's since it never
	// waits on a slow network peer.
	InternalQueueCapacity int    `yaml:"internal_queue_capacity"`
	RingBufferSize        int    `yaml:"ring_buffer_size"`
	HeartbeatIntervalSec  int    `yaml:"heartbeat_interval_seconds"`
	EvictionThreshold     int    `yaml:"eviction_threshold"`
	IdleShutdownSec       int    `yaml:"idle_shutdown_seconds"`
	MaxRPCBodyBytes       int64  `yaml:"max_rpc_body_bytes"`
	MaxConcurrentConns    int    `yaml:"max_concurrent_connections"`
	TranscriptDBPath      string `yaml:"transcript_db_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${AGENTSYNC_BEARER_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for zero values.
func (c *Config) applyDefaults() {
	if c.Sync.Listen.Port == 0 {
		c.Sync.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Sync.SubscriberQueueCapacity == 0 {
		c.Sync.SubscriberQueueCapacity = 100
	}
	if c.Sync.InternalQueueCapacity == 0 {
		c.Sync.InternalQueueCapacity = 200
	}
	if c.Sync.RingBufferSize == 0 {
		c.Sync.RingBufferSize = 100
	}
	if c.Sync.HeartbeatIntervalSec == 0 {
		c.Sync.HeartbeatIntervalSec = 15
	}
	if c.Sync.EvictionThreshold == 0 {
		c.Sync.EvictionThreshold = 10
	}
	if c.Sync.MaxRPCBodyBytes == 0 {
		c.Sync.MaxRPCBodyBytes = 1 << 20 // 1 MB
	}
	if c.Sync.MaxConcurrentConns == 0 {
		c.Sync.MaxConcurrentConns = 256
	}
	if c.Sync.TranscriptDBPath == "" {
		c.Sync.TranscriptDBPath = filepath.Join(c.DataDir, "agentsync.db")
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Sync.Listen.Port < 1 || c.Sync.Listen.Port > 65535 {
		return fmt.Errorf("sync.listen.port %d out of range (1-65535)", c.Sync.Listen.Port)
	}
	if c.Sync.SubscriberQueueCapacity < 1 {
		return fmt.Errorf("sync.subscriber_queue_capacity must be >= 1")
	}
	if c.Sync.RingBufferSize < 1 {
		return fmt.Errorf("sync.ring_buffer_size must be >= 1")
	}
	if c.Sync.EvictionThreshold < 1 {
		return fmt.Errorf("sync.eviction_threshold must be >= 1")
	}
	if c.Sync.MaxConcurrentConns < 1 {
		return fmt.Errorf("sync.max_concurrent_connections must be >= 1")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
