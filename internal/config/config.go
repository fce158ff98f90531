package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ax-openclaw-plugin configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Session   SessionConfig   `yaml:"session"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Callback  CallbackConfig  `yaml:"callback"`
	Worker    WorkerConfig    `yaml:"worker"`

	// AgentsFile points at the YAML credential registry.
	AgentsFile string `yaml:"agents_file"`

	// JournalPath enables the sqlite dispatch audit log when set.
	JournalPath string `yaml:"journal_path,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// MaxBodySize accepts human sizes like "1MB" or plain byte counts.
	MaxBodySize string `yaml:"max_body_size,omitempty"`

	// SignatureHeader names the HTTP header carrying the request HMAC.
	// Verification is skipped for agents without a configured secret.
	SignatureHeader string `yaml:"signature_header,omitempty"`

	// PIDFile is the single-instance lock location.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// DedupeConfig governs the dispatch state tracker.
type DedupeConfig struct {
	// TimeoutThreshold must stay below the platform's own redelivery
	// interval: a redelivery past the threshold is itself the timeout signal.
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
	StateTTL         time.Duration `yaml:"state_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// SessionConfig governs the session registry.
type SessionConfig struct {
	EvictGrace time.Duration `yaml:"evict_grace"`
}

// HeartbeatConfig governs async progress notifications.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`

	// MinToolSpacing rate-limits the extra heartbeat fired on tool-start events.
	MinToolSpacing time.Duration `yaml:"min_tool_spacing"`
}

// CallbackConfig governs completion-callback delivery.
type CallbackConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// WorkerConfig defines the subprocess worker invocation.
type WorkerConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultMaxBodySize caps inbound webhook bodies at 1 MB.
const DefaultMaxBodySize = 1048576

// Defaults returns a Config with working defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "ax-openclaw-plugin",
			Listen:          "127.0.0.1:8420",
			LogLevel:        "info",
			SignatureHeader: "X-Ax-Signature-256",
			PIDFile:         "ax-openclaw-plugin.pid",
		},
		Dedupe: DedupeConfig{
			TimeoutThreshold: 25 * time.Second,
			StateTTL:         30 * time.Minute,
			SweepInterval:    5 * time.Minute,
		},
		Session: SessionConfig{
			EvictGrace: 60 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       10 * time.Second,
			MinToolSpacing: 5 * time.Second,
		},
		Callback: CallbackConfig{
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
		},
		Worker: WorkerConfig{
			Timeout: 120 * time.Second,
		},
		AgentsFile: "./agents.yaml",
	}
}

// Load reads and parses configuration from a file, layering it over Defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Service.Listen == "" {
		return fmt.Errorf("service.listen is empty")
	}
	if cfg.Dedupe.TimeoutThreshold <= 0 {
		return fmt.Errorf("dedupe.timeout_threshold must be positive")
	}
	if cfg.Dedupe.StateTTL <= cfg.Dedupe.TimeoutThreshold {
		return fmt.Errorf("dedupe.state_ttl must exceed dedupe.timeout_threshold")
	}
	if cfg.Dedupe.SweepInterval <= 0 {
		return fmt.Errorf("dedupe.sweep_interval must be positive")
	}
	if cfg.Session.EvictGrace < 0 {
		return fmt.Errorf("session.evict_grace must not be negative")
	}
	if cfg.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if cfg.Callback.RetryAttempts < 1 {
		return fmt.Errorf("callback.retry_attempts must be at least 1")
	}
	if _, err := ParseMaxBodySize(cfg.Service.MaxBodySize); err != nil {
		return fmt.Errorf("service.max_body_size: %w", err)
	}
	return nil
}

// ParseMaxBodySize parses size strings like "1MB", "512KB", "2048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseMaxBodySize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(size)
	multiplier := int64(1)

	if strings.HasSuffix(upper, "KB") {
		multiplier = 1024
		size = strings.TrimSuffix(upper, "KB")
	} else if strings.HasSuffix(upper, "MB") {
		multiplier = 1024 * 1024
		size = strings.TrimSuffix(upper, "MB")
	} else if strings.HasSuffix(upper, "GB") {
		multiplier = 1024 * 1024 * 1024
		size = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result < 0 { // Check for overflow
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $AX_OPENCLAW_CONFIG, ~/.config/ax-openclaw-plugin/config.yaml, ./config.yaml
func DiscoverConfig() (string, error) {
	if path := os.Getenv("AX_OPENCLAW_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "ax-openclaw-plugin", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no configuration found (set AX_OPENCLAW_CONFIG or create config.yaml)")
}
