package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace string `yaml:"workspace"`
	Server    struct {
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		RateLimitRPS int    `yaml:"rate_limit_rps"`
	} `yaml:"server"`
	Router struct {
		AckTimeoutMs              int64   `yaml:"ack_timeout_ms"`
		RetryBackoffMs            []int64 `yaml:"retry_backoff_ms"`
		MaxRetries                int     `yaml:"max_retries"`
		DefaultTTLMs              int64   `yaml:"default_ttl_ms"`
		JitterRatio               float64 `yaml:"jitter_ratio"`
		RetryPollIntervalMs       int64   `yaml:"retry_poll_interval_ms"`
		PresenceIntervalMs        int64   `yaml:"presence_interval_ms"`
		PresenceTimeoutMultiplier int64   `yaml:"presence_timeout_multiplier"`
		BlobThresholdBytes        int     `yaml:"blob_threshold_bytes"`
	} `yaml:"router"`
	Maintenance struct {
		Enabled          bool   `yaml:"enabled"`
		Schedule         string `yaml:"schedule"`
		BlobRetention    string `yaml:"blob_retention"`
		FailuresMaxBytes int64  `yaml:"failures_max_bytes"`
	} `yaml:"maintenance"`
	MCP struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"mcp"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func Default() Config {
	cfg := Config{
		Workspace: ".",
	}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8765
	cfg.Server.ReadTimeout = "30s"
	cfg.Server.WriteTimeout = "30s"
	cfg.Server.RateLimitRPS = 200
	cfg.Router.AckTimeoutMs = 120000
	cfg.Router.RetryBackoffMs = []int64{30000, 120000, 300000, 600000, 600000}
	cfg.Router.MaxRetries = 5
	cfg.Router.DefaultTTLMs = 3600000
	cfg.Router.JitterRatio = 0.2
	cfg.Router.RetryPollIntervalMs = 500
	cfg.Router.PresenceIntervalMs = 30000
	cfg.Router.PresenceTimeoutMultiplier = 2
	cfg.Router.BlobThresholdBytes = 16384
	cfg.Maintenance.Enabled = true
	cfg.Maintenance.Schedule = "0 3 * * *"
	cfg.Maintenance.BlobRetention = "168h"
	cfg.Maintenance.FailuresMaxBytes = 10 * 1024 * 1024
	cfg.MCP.Enabled = false
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Addr(cfg Config) string {
	return cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
}

func ReadTimeout(cfg Config) time.Duration {
	d, _ := time.ParseDuration(cfg.Server.ReadTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

func WriteTimeout(cfg Config) time.Duration {
	d, _ := time.ParseDuration(cfg.Server.WriteTimeout)
	if d == 0 {
		return 30 * time.Second
	}
	return d
}

func BlobRetention(cfg Config) time.Duration {
	d, _ := time.ParseDuration(cfg.Maintenance.BlobRetention)
	if d == 0 {
		return 168 * time.Hour
	}
	return d
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("TEAMROUTER_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("TEAMROUTER_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TEAMROUTER_SERVER_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = i
		}
	}
	if v := os.Getenv("TEAMROUTER_ACK_TIMEOUT_MS"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Router.AckTimeoutMs = i
		}
	}
	if v := os.Getenv("TEAMROUTER_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Router.MaxRetries = i
		}
	}
	if v := os.Getenv("TEAMROUTER_MCP_ENABLED"); v != "" {
		cfg.MCP.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("TEAMROUTER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validate(cfg Config) error {
	if cfg.Workspace == "" {
		return errors.New("workspace is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("invalid server.port")
	}
	if cfg.Router.AckTimeoutMs <= 0 {
		return errors.New("router.ack_timeout_ms must be > 0")
	}
	if len(cfg.Router.RetryBackoffMs) == 0 {
		return errors.New("router.retry_backoff_ms must not be empty")
	}
	for _, backoff := range cfg.Router.RetryBackoffMs {
		if backoff <= 0 {
			return errors.New("router.retry_backoff_ms entries must be > 0")
		}
	}
	if cfg.Router.MaxRetries < 0 {
		return errors.New("router.max_retries must be >= 0")
	}
	if cfg.Router.JitterRatio < 0 || cfg.Router.JitterRatio >= 1 {
		return errors.New("router.jitter_ratio must be in [0, 1)")
	}
	if cfg.Router.RetryPollIntervalMs <= 0 {
		return errors.New("router.retry_poll_interval_ms must be > 0")
	}
	if cfg.Router.PresenceIntervalMs <= 0 {
		return errors.New("router.presence_interval_ms must be > 0")
	}
	if cfg.Router.PresenceTimeoutMultiplier <= 0 {
		return errors.New("router.presence_timeout_multiplier must be > 0")
	}
	if cfg.Maintenance.Enabled {
		if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
			return errors.New("maintenance.schedule is required when maintenance is enabled")
		}
		if cfg.Maintenance.FailuresMaxBytes <= 0 {
			return errors.New("maintenance.failures_max_bytes must be > 0")
		}
	}
	return nil
}
