// Package config loads application configuration from environment variables.
// All variables use the LEARN_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "change-me-in-production"

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Lock        LockConfig
	Auth        AuthConfig
	CORS        CORSConfig
	Log         LogConfig
	ContentPath string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int
	Host           string
	RequestTimeout time.Duration
}

// DatabaseConfig holds storage connection settings.
type DatabaseConfig struct {
	Driver   string // "memory", "sqlite" or "postgres"
	URL      string
	MaxConns int
	MinConns int
}

// CacheConfig holds Dragonfly/Redis connection settings. An empty URL disables Redis.
type CacheConfig struct {
	URL string
}

// LockConfig holds progress lock settings.
type LockConfig struct {
	TTL time.Duration
}

// AuthConfig holds bearer-token verification settings.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

// CORSConfig holds allowed browser origins.
type CORSConfig struct {
	Origins []string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load reads configuration from environment variables with LEARN_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("LEARN_SERVER_PORT", 8080),
			Host:           envStr("LEARN_SERVER_HOST", "0.0.0.0"),
			RequestTimeout: envDuration("LEARN_REQUEST_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(envStr("LEARN_DATABASE_DRIVER", DriverMemory)),
			URL:      envStr("LEARN_DATABASE_URL", ""),
			MaxConns: envInt("LEARN_DATABASE_MAX_CONNS", 25),
			MinConns: envInt("LEARN_DATABASE_MIN_CONNS", 5),
		},
		Cache: CacheConfig{
			URL: envStr("LEARN_CACHE_URL", ""),
		},
		Lock: LockConfig{
			TTL: envDuration("LEARN_LOCK_TTL", 10*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: envStr("LEARN_AUTH_JWT_SECRET", defaultJWTSecret),
			Issuer:    envStr("LEARN_AUTH_ISSUER", ""),
		},
		CORS: CORSConfig{
			Origins: envList("LEARN_CORS_ORIGINS", "http://localhost:3000"),
		},
		Log: LogConfig{
			Level:     envStr("LEARN_LOG_LEVEL", "info"),
			Format:    envStr("LEARN_LOG_FORMAT", "json"),
			AddSource: envBool("LEARN_LOG_SOURCE", false),
		},
		ContentPath: envStr("LEARN_CONTENT_PATH", ""),
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("LEARN_DATABASE_URL is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("LEARN_DATABASE_DRIVER must be 'memory', 'sqlite' or 'postgres', got %q", c.Database.Driver)
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LEARN_LOCK_TTL must be positive, got %s", c.Lock.TTL)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("LEARN_REQUEST_TIMEOUT must be positive, got %s", c.Server.RequestTimeout)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("LEARN_AUTH_JWT_SECRET is required")
	}
	if c.Database.Driver == DriverPostgres && c.Auth.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("LEARN_AUTH_JWT_SECRET must be changed from the default for postgres deployments")
	}

	return nil
}

// UsesRedis returns true if a Redis/Dragonfly URL is configured.
func (c *Config) UsesRedis() bool {
	return c.Cache.URL != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key, fallback string) []string {
	parts := strings.Split(envStr(key, fallback), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
