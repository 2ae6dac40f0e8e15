// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// environment first when present.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example BACKEND_URL becomes
// backend_url in YAML.
//
// BACKEND_URL and ENCRYPTION_KEY are required. Redis is optional: the
// default STORE_MODE=memory keeps credentials, catalogs and session
// bookkeeping in process, which is fine for a single replica.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Store modes.
const (
	StoreModeRedis  = "redis"
	StoreModeMemory = "memory"
)

// minEncryptionKeyLen mirrors the vault's minimum key material length.
const minEncryptionKeyLen = 16

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string

	// DebugErrors exposes internal error causes in responses. Never enable
	// in production.
	DebugErrors bool

	// OwnerKeys optionally restricts the accepted owner keys. Empty accepts
	// any non-empty bearer token.
	OwnerKeys []string

	Store      StoreConfig
	Credential CredentialConfig
	Models     ModelsConfig
	Session    SessionConfig
	Backend    BackendConfig
	Server     ServerConfig
	RateLimit  RateLimitConfig
}

// StoreConfig selects the durable key/value store.
type StoreConfig struct {
	// Mode selects the store:
	//   "redis": shared across replicas (requires REDIS_URL).
	//   "memory": in-process; lost on restart, not shared.
	// Default: "memory".
	Mode string

	// RedisURL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	RedisURL string
}

// CredentialConfig controls the credential vault.
type CredentialConfig struct {
	// EncryptionKey is the key material the vault derives its AES key from.
	// At least 16 bytes.
	EncryptionKey string

	// TTL is the sliding expiration of a stored credential. Default: 720h.
	TTL time.Duration

	// CacheUnused evicts in-memory entries unused for this long. Default: 30m.
	CacheUnused time.Duration

	// SweepInterval is how often unused entries are evicted. Default: 15m.
	SweepInterval time.Duration
}

// ModelsConfig controls public name resolution.
type ModelsConfig struct {
	// CacheTTL is how long a resolved name is cached per owner. Default: 15m.
	CacheTTL time.Duration

	// CatalogTTL is how long an owner's catalog is served before a refresh.
	// Default: 15m.
	CatalogTTL time.Duration

	// DefaultName is the public name used when nothing resolves. Default: gpt-4.
	DefaultName string

	// DefaultID is the backend id used when nothing resolves. Empty uses the
	// id DefaultName maps to in the static table.
	DefaultID string

	// Defaults replaces the built-in static table with ordered "name=id"
	// pairs.
	Defaults []string
}

// SessionConfig controls backend sessions.
type SessionConfig struct {
	// Duration is requested for every new session. Default: 1h, minimum 1m.
	Duration time.Duration

	// DirectPayment and Failover are passed to the backend on creation.
	DirectPayment bool
	Failover      bool

	// ExpiryMargin keeps a session out of use this long before it expires.
	// Default: 30s.
	ExpiryMargin time.Duration

	// LockTTL bounds the cross-process creation lock. Default: 30s.
	LockTTL time.Duration
}

// BackendConfig points at the proxy-router.
type BackendConfig struct {
	// URL is the proxy-router base URL. Required.
	URL string

	// Username and Password are the proxy-router API basic auth pair.
	Username string
	Password string

	// CredentialHeader carries the owner's credential. Default: X-Private-Key.
	CredentialHeader string

	// Timeout bounds a prompt, streamed replies included. Must exceed
	// Server.IdleTimeout. Default: 10m.
	Timeout time.Duration

	// ControlTimeout bounds session and catalog calls. Default: 30s.
	ControlTimeout time.Duration
}

// ServerConfig controls the front HTTP server.
type ServerConfig struct {
	// IdleTimeout closes keep-alive connections idle this long. Default: 75s.
	IdleTimeout time.Duration

	// ReadTimeout bounds reading a request. Default: 60s.
	ReadTimeout time.Duration
}

// RateLimitConfig caps completions per owner key.
type RateLimitConfig struct {
	// RPM is the per-owner requests-per-minute budget. 0 disables limiting.
	RPM int

	// Burst is the in-process bucket size (memory store mode only).
	// Default: RPM.
	Burst int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("DEBUG_ERRORS", false)

	v.SetDefault("STORE_MODE", StoreModeMemory)

	v.SetDefault("CREDENTIAL_TTL", "720h")
	v.SetDefault("CREDENTIAL_CACHE_UNUSED", "30m")
	v.SetDefault("CREDENTIAL_SWEEP_INTERVAL", "15m")

	v.SetDefault("MODEL_CACHE_TTL", "15m")
	v.SetDefault("MODEL_CATALOG_TTL", "15m")
	v.SetDefault("MODEL_DEFAULT_NAME", "gpt-4")

	v.SetDefault("SESSION_DURATION", "1h")
	v.SetDefault("SESSION_DIRECT_PAYMENT", false)
	v.SetDefault("SESSION_FAILOVER", false)
	v.SetDefault("SESSION_EXPIRY_MARGIN", "30s")
	v.SetDefault("SESSION_LOCK_TTL", "30s")

	v.SetDefault("BACKEND_CREDENTIAL_HEADER", "X-Private-Key")
	v.SetDefault("BACKEND_TIMEOUT", "10m")
	v.SetDefault("BACKEND_CONTROL_TIMEOUT", "30s")

	v.SetDefault("SERVER_IDLE_TIMEOUT", "75s")
	v.SetDefault("SERVER_READ_TIMEOUT", "60s")

	v.SetDefault("RATE_LIMIT_RPM", 0)
	v.SetDefault("RATE_LIMIT_BURST", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CORSOrigins: listOf(v, "CORS_ORIGINS"),
		DebugErrors: v.GetBool("DEBUG_ERRORS"),
		OwnerKeys:   listOf(v, "OWNER_KEYS"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
		},

		Credential: CredentialConfig{
			EncryptionKey: v.GetString("ENCRYPTION_KEY"),
			TTL:           v.GetDuration("CREDENTIAL_TTL"),
			CacheUnused:   v.GetDuration("CREDENTIAL_CACHE_UNUSED"),
			SweepInterval: v.GetDuration("CREDENTIAL_SWEEP_INTERVAL"),
		},

		Models: ModelsConfig{
			CacheTTL:    v.GetDuration("MODEL_CACHE_TTL"),
			CatalogTTL:  v.GetDuration("MODEL_CATALOG_TTL"),
			DefaultName: v.GetString("MODEL_DEFAULT_NAME"),
			DefaultID:   v.GetString("MODEL_DEFAULT_ID"),
			Defaults:    listOf(v, "MODEL_DEFAULTS"),
		},

		Session: SessionConfig{
			Duration:      v.GetDuration("SESSION_DURATION"),
			DirectPayment: v.GetBool("SESSION_DIRECT_PAYMENT"),
			Failover:      v.GetBool("SESSION_FAILOVER"),
			ExpiryMargin:  v.GetDuration("SESSION_EXPIRY_MARGIN"),
			LockTTL:       v.GetDuration("SESSION_LOCK_TTL"),
		},

		Backend: BackendConfig{
			URL:              strings.TrimRight(v.GetString("BACKEND_URL"), "/"),
			Username:         v.GetString("BACKEND_USERNAME"),
			Password:         v.GetString("BACKEND_PASSWORD"),
			CredentialHeader: v.GetString("BACKEND_CREDENTIAL_HEADER"),
			Timeout:          v.GetDuration("BACKEND_TIMEOUT"),
			ControlTimeout:   v.GetDuration("BACKEND_CONTROL_TIMEOUT"),
		},

		Server: ServerConfig{
			IdleTimeout: v.GetDuration("SERVER_IDLE_TIMEOUT"),
			ReadTimeout: v.GetDuration("SERVER_READ_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPM:   v.GetInt("RATE_LIMIT_RPM"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return errors.New("config: BACKEND_URL is required (the proxy-router API base URL)")
	}

	if len(c.Credential.EncryptionKey) < minEncryptionKeyLen {
		return fmt.Errorf(
			"config: ENCRYPTION_KEY must be at least %d bytes; generate one with `openssl rand -hex 32`",
			minEncryptionKeyLen,
		)
	}

	switch c.Store.Mode {
	case StoreModeRedis, StoreModeMemory:
	default:
		return fmt.Errorf(
			"config: invalid STORE_MODE %q; must be one of: redis, memory",
			c.Store.Mode,
		)
	}
	if c.Store.Mode == StoreModeRedis && c.Store.RedisURL == "" {
		return errors.New(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to keep state in process",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Session.Duration < time.Minute {
		return fmt.Errorf("config: SESSION_DURATION must be at least 1m, got %s", c.Session.Duration)
	}
	if c.Session.ExpiryMargin >= c.Session.Duration {
		return fmt.Errorf("config: SESSION_EXPIRY_MARGIN (%s) must be shorter than SESSION_DURATION (%s)",
			c.Session.ExpiryMargin, c.Session.Duration)
	}

	// A prompt may legitimately run longer than any idle period on the front
	// connection; a backend timeout at or below it cuts streams short.
	if c.Backend.Timeout <= c.Server.IdleTimeout {
		return fmt.Errorf("config: BACKEND_TIMEOUT (%s) must be greater than SERVER_IDLE_TIMEOUT (%s)",
			c.Backend.Timeout, c.Server.IdleTimeout)
	}
	if c.Backend.ControlTimeout <= 0 {
		return errors.New("config: BACKEND_CONTROL_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.RPM < 0 || c.RateLimit.Burst < 0 {
		return errors.New("config: RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"CREDENTIAL_TTL":            c.Credential.TTL,
		"CREDENTIAL_CACHE_UNUSED":   c.Credential.CacheUnused,
		"CREDENTIAL_SWEEP_INTERVAL": c.Credential.SweepInterval,
		"MODEL_CACHE_TTL":           c.Models.CacheTTL,
		"MODEL_CATALOG_TTL":         c.Models.CatalogTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", name)
		}
	}

	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// listOf reads a list that may come from YAML as a sequence or from the
// environment as a comma-separated string.
func listOf(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
