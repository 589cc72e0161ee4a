// Affinity - Hybrid Recommendation Service with Safe Distributed Retraining
// Copyright 2026 The Affinity Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/affinity-rec/affinity

// Package config provides layered configuration for Affinity using Koanf v2.
//
// Precedence, lowest to highest: built-in defaults, optional YAML config
// file, environment variables (AFFINITY_ prefix, double underscore as the
// section separator, e.g. AFFINITY_SERVER__PORT=8080).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Affinity service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Model    ModelConfig    `koanf:"model"`
	Cache    CacheConfig    `koanf:"cache"`
	Lock     LockConfig     `koanf:"lock"`
	Retrain  RetrainConfig  `koanf:"retrain"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Environment     string        `koanf:"environment" validate:"oneof=development production"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	// JWTSecret signs bearer tokens. Must be at least 32 characters in
	// production.
	JWTSecret string `koanf:"jwt_secret"`

	// SessionTimeout is the bearer token lifetime.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// RetrainToken is the shared secret for POST /retrain, matched against
	// the X-Retrain-Token header. Distinct from caller authentication.
	RetrainToken string `koanf:"retrain_token"`

	// UsersDBPath is the SQLite database holding user credentials.
	UsersDBPath string `koanf:"users_db_path"`

	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs requests per RateLimitWindow per client IP on API routes.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	// AuthRateLimitReqs applies to login/signup (brute force prevention).
	AuthRateLimitReqs int `koanf:"auth_rate_limit_reqs" validate:"min=1"`
}

// ModelConfig holds model artifact and training input locations.
type ModelConfig struct {
	// Path is the persisted snapshot artifact. The version fingerprint is
	// derived from this file's modification time and size.
	Path string `koanf:"path" validate:"required"`

	// RatingsPath and ItemsPath are the raw CSV training inputs. When both
	// are absent a minimal bootstrap dataset is synthesized so the service
	// is never unusable.
	RatingsPath string `koanf:"ratings_path"`
	ItemsPath   string `koanf:"items_path"`

	// MaxFeatures caps the TF-IDF vocabulary used for item profiles.
	MaxFeatures int `koanf:"max_features" validate:"min=1"`
}

// CacheConfig holds the version-qualified cache settings.
type CacheConfig struct {
	// Path is the Badger directory backing the cache. Empty selects an
	// in-memory instance (tests, ephemeral deployments).
	Path string `koanf:"path"`

	// Namespace prefixes every cache key to avoid collisions in a shared
	// store.
	Namespace string `koanf:"namespace" validate:"required"`

	// TTL bounds the lifetime of cached recommendation lists.
	TTL time.Duration `koanf:"ttl"`

	// Breaker settings guard the backend; when the circuit opens, reads
	// degrade to misses and writes are dropped (fail-open).
	BreakerFailureThreshold uint32        `koanf:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `koanf:"breaker_timeout"`
}

// LockConfig holds distributed lock settings.
type LockConfig struct {
	// Endpoints are independent lock directories, one per file-backed lock
	// store; every process contending for the lock must see the same
	// directories. Quorum mode requires at least 3. A single endpoint
	// selects the degraded single-node mode.
	Endpoints []string `koanf:"endpoints"`

	// Mode selects the strategy: "quorum" or "single". Empty auto-selects
	// based on endpoint count.
	Mode string `koanf:"mode" validate:"omitempty,oneof=quorum single"`

	// Resource is the retrain mutual-exclusion resource name.
	Resource string `koanf:"resource" validate:"required"`

	// TTL bounds lock ownership; it must cover a full training pass.
	TTL time.Duration `koanf:"ttl"`

	// RetryInterval is the polling interval for blocking acquires.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// AcquireTimeout bounds blocking acquires.
	AcquireTimeout time.Duration `koanf:"acquire_timeout"`

	// DriftFactor is the clock drift allowance as a fraction of TTL, per
	// the canonical majority-lock validity check.
	DriftFactor float64 `koanf:"drift_factor" validate:"gt=0,lt=0.5"`
}

// RetrainConfig holds the periodic retrain schedule.
type RetrainConfig struct {
	// Interval between scheduled retrains. Zero disables the scheduler.
	Interval time.Duration `koanf:"interval"`

	// OnStartup triggers a retrain when the scheduler starts.
	OnStartup bool `koanf:"on_startup"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Environment:     "development",
		},
		Security: SecurityConfig{
			JWTSecret:         "",
			SessionTimeout:    24 * time.Hour,
			RetrainToken:      "",
			UsersDBPath:       "data/users.db",
			CORSOrigins:       []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			AuthRateLimitReqs: 10,
		},
		Model: ModelConfig{
			Path:        "models/hybrid_model.json",
			RatingsPath: "data/ratings.csv",
			ItemsPath:   "data/items.csv",
			MaxFeatures: 5000,
		},
		Cache: CacheConfig{
			Path:                    "data/cache",
			Namespace:               "affinity",
			TTL:                     time.Hour,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          10 * time.Second,
		},
		Lock: LockConfig{
			Endpoints:      []string{"data/lock"},
			Mode:           "",
			Resource:       "affinity:retrain-lock",
			TTL:            30 * time.Minute,
			RetryInterval:  100 * time.Millisecond,
			AcquireTimeout: 10 * time.Second,
			DriftFactor:    0.01,
		},
		Retrain: RetrainConfig{
			Interval:  24 * time.Hour,
			OnStartup: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural constraints plus the cross-field rules that
// struct tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Lock.Mode == "quorum" && len(c.Lock.Endpoints) < 3 {
		return fmt.Errorf("lock: quorum mode requires at least 3 endpoints, got %d", len(c.Lock.Endpoints))
	}
	if len(c.Lock.Endpoints) == 0 {
		return fmt.Errorf("lock: at least one endpoint is required")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock: ttl must be positive")
	}

	if c.Server.Environment == "production" {
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("security: jwt_secret must be at least 32 characters in production")
		}
		if c.Security.RetrainToken == "" {
			return fmt.Errorf("security: retrain_token is required in production")
		}
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache: ttl must be positive")
	}

	return nil
}

// QuorumEnabled reports whether the effective lock mode is quorum.
func (c *LockConfig) QuorumEnabled() bool {
	if c.Mode != "" {
		return c.Mode == "quorum"
	}
	return len(c.Endpoints) >= 3
}
