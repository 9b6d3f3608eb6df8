// Package config loads ticketd's YAML configuration: server bind address,
// log level, database path, sweep cadence, gateway auth/CORS/rate-limit
// settings, and the set of projects the daemon serves. It mirrors the
// teacher's load/normalize/env-override pipeline but replaces the
// LLM-agent-specific surface with ticketd's own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ticketd/ticketd/internal/sweeper"
)

// HomeDir returns the directory ticketd stores its database and default
// config in, honoring TICKETD_HOME the way the teacher honors GOCLAW_HOME.
func HomeDir() string {
	if v := os.Getenv("TICKETD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ticketd"
	}
	return filepath.Join(home, ".ticketd")
}

// ProjectConfig describes one project's pipeline and default worker types,
// as declared in the config file. It is the config-file counterpart of
// store.Project/store.WorkerType, not the persisted row itself: on load the
// daemon upserts one store.Project + N store.WorkerType rows per entry here.
type ProjectConfig struct {
	ID          string                    `yaml:"id"`
	Path        string                    `yaml:"path"`
	Pipeline    []string                  `yaml:"pipeline"`
	WorkerTypes map[string]WorkerTypeSpec `yaml:"worker_types"`
	Rules       string                    `yaml:"rules"`
	Patterns    []string                  `yaml:"patterns"`
}

// WorkerTypeSpec is a single pipeline stage's worker definition.
type WorkerTypeSpec struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	SystemPrompt   string   `yaml:"system_prompt"`
	PermissionMode string   `yaml:"permission_mode"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// StoreConfig controls the SQLite-backed Ticket Store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SweepConfig controls the stuck-claim sweeper cadence.
type SweepConfig struct {
	// Cadence is validated as a standard 5-field cron expression via
	// sweeper.ValidateCadence but only ever used to derive an interval; the
	// sweep loop itself runs on a plain time.Ticker.
	Cadence           string `yaml:"cadence"`
	StaleAfterSeconds int    `yaml:"stale_after_seconds"`
}

// APIKeyEntry is one accepted API key for the gateway's auth middleware.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// AuthConfig controls the gateway's bearer-token auth middleware.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls the gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-key token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig groups the gateway's transport and middleware settings.
type GatewayConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	Auth       AuthConfig      `yaml:"auth"`
	CORS       CORSConfig      `yaml:"cors"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

// Config is the top-level ticketd configuration.
type Config struct {
	LogLevel string          `yaml:"log_level"`
	Quiet    bool            `yaml:"quiet"`
	Store    StoreConfig     `yaml:"store"`
	Sweep    SweepConfig     `yaml:"sweep"`
	Gateway  GatewayConfig   `yaml:"gateway"`
	Projects []ProjectConfig `yaml:"projects"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Path: filepath.Join(HomeDir(), "ticketd.db")},
		Sweep:    SweepConfig{Cadence: "*/5 * * * *", StaleAfterSeconds: 900},
		Gateway: GatewayConfig{
			ListenAddr: ":8080",
			CORS:       CORSConfig{Enabled: false},
			RateLimit:  RateLimitConfig{Enabled: true, RequestsPerMinute: 120, BurstSize: 30},
		},
	}
}

// Load reads the config file at path, falling back to defaults for any
// unset field, then applies TICKETD_-prefixed environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return normalize(cfg)
			}
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return normalize(cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TICKETD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TICKETD_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TICKETD_LISTEN_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("TICKETD_SWEEP_CADENCE"); v != "" {
		cfg.Sweep.Cadence = v
	}
	if v := os.Getenv("TICKETD_API_KEYS"); v != "" {
		cfg.Gateway.Auth.Enabled = true
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k != "" {
				cfg.Gateway.Auth.Keys = append(cfg.Gateway.Auth.Keys, APIKeyEntry{Key: k})
			}
		}
	}
}

func normalize(cfg Config) (Config, error) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(HomeDir(), "ticketd.db")
	}
	if cfg.Sweep.Cadence == "" {
		cfg.Sweep.Cadence = "*/5 * * * *"
	}
	if err := sweeper.ValidateCadence(cfg.Sweep.Cadence); err != nil {
		return Config{}, fmt.Errorf("config: sweep.cadence: %w", err)
	}
	if cfg.Sweep.StaleAfterSeconds <= 0 {
		cfg.Sweep.StaleAfterSeconds = 900
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = ":8080"
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute == 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Gateway.RateLimit.BurstSize == 0 {
		cfg.Gateway.RateLimit.BurstSize = 30
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for i, p := range cfg.Projects {
		if p.ID == "" {
			return Config{}, fmt.Errorf("config: projects[%d]: id is required", i)
		}
		if seen[p.ID] {
			return Config{}, fmt.Errorf("config: projects[%d]: duplicate project id %q", i, p.ID)
		}
		seen[p.ID] = true
		if len(p.Pipeline) == 0 {
			return Config{}, fmt.Errorf("config: project %q: pipeline must have at least one stage", p.ID)
		}
	}
	return cfg, nil
}

// SweepInterval derives the Ticker interval used to drive the sweeper from
// the configured cron cadence's implied granularity, falling back to a
// sane default for cadences it cannot coarsely approximate (the cron
// parser itself is used only for validation, not scheduling; see
// internal/sweeper.ValidateCadence).
func (c Config) SweepInterval() time.Duration {
	fields := strings.Fields(c.Sweep.Cadence)
	if len(fields) == 5 && strings.HasPrefix(fields[0], "*/") {
		if n, err := strconv.Atoi(strings.TrimPrefix(fields[0], "*/")); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return time.Minute
}

// StaleAfter is the claim-age threshold past which the sweeper reports a
// stuck claim.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Sweep.StaleAfterSeconds) * time.Second
}
