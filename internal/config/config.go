// Package config loads mailhook settings from environment variables.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: HTTP listen port (default: 8080)
//   - LOG_LEVEL: debug, info, warn or error (default: info)
//   - ADMIN_TOKEN: bearer token for the /accounts endpoints (disabled when empty)
//
// Account Store:
//   - DATABASE_DRIVER: "sqlite" (pure Go) or "sqlite3" (cgo) (default: sqlite)
//   - DATABASE_PATH: SQLite file path (default: data/mailhook.db)
//
// Google OAuth:
//   - GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET: OAuth client (required)
//   - GOOGLE_REDIRECT_URL: redirect registered for the reauthorization flow
//   - REFRESH_ATTEMPTS: refresh attempts per call (default: 3)
//   - REFRESH_ATTEMPT_TIMEOUT: timeout of one refresh attempt (default: 10s)
//   - SYNC_TIMEOUT: refresh plus sync budget per delivery, longer than the
//     worst-case refresh (default: 60s)
//
// Deduplication:
//   - DEDUP_BACKEND: "memory" or "redis" (default: memory)
//   - DEDUP_CAPACITY: ids kept by the memory ledger (default: 1000)
//   - DEDUP_TTL: how long the redis ledger keeps ids (default: 1h)
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB: redis connection
//
// Pub/Sub:
//   - PUSH_AUDIENCE: when set, push requests must carry a Google OIDC token for this audience
//   - PUSH_SERVICE_ACCOUNT: optional email the push token must belong to
//   - PUSH_JWKS_URL: key set used to verify push tokens
//   - PUBSUB_PROJECT, PUBSUB_SUBSCRIPTION: enable pull-mode ingestion
//   - PUBSUB_TOPIC: topic passed to Gmail watch
//
// Downstream:
//   - NATS_URL: publish message events to JetStream (disabled when empty)
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Martian-dev/mailhook/internal/auth"
)

// Config holds all settings as read from the environment. Call Validate
// before using the typed accessors.
type Config struct {
	Port       string
	LogLevel   string
	AdminToken string

	DatabaseDriver string
	DatabasePath   string

	GoogleClientID           string
	GoogleClientSecret       string
	GoogleRedirectURL        string
	RefreshAttempts          string
	RefreshAttemptTimeoutRaw string
	SyncTimeout              string

	DedupBackend  string
	DedupCapacity string
	DedupTTL      string
	RedisAddress  string
	RedisPassword string
	RedisDB       string

	PushAudience       string
	PushServiceAccount string
	PushJWKSURL        string
	PubSubProject      string
	PubSubSubscription string
	PubSubTopic        string

	NATSURL string
}

// LoadDotEnv loads variables from the given files (".env" when none are
// given). Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the environment, applying defaults. It does not validate.
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		AdminToken: getEnv("ADMIN_TOKEN", ""),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabasePath:   getEnv("DATABASE_PATH", "data/mailhook.db"),

		GoogleClientID:           getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:       getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:        getEnv("GOOGLE_REDIRECT_URL", ""),
		RefreshAttempts:          getEnv("REFRESH_ATTEMPTS", "3"),
		RefreshAttemptTimeoutRaw: getEnv("REFRESH_ATTEMPT_TIMEOUT", "10s"),
		SyncTimeout:              getEnv("SYNC_TIMEOUT", "60s"),

		DedupBackend:  getEnv("DEDUP_BACKEND", "memory"),
		DedupCapacity: getEnv("DEDUP_CAPACITY", "1000"),
		DedupTTL:      getEnv("DEDUP_TTL", "1h"),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),

		PushAudience:       getEnv("PUSH_AUDIENCE", ""),
		PushServiceAccount: getEnv("PUSH_SERVICE_ACCOUNT", ""),
		PushJWKSURL:        getEnv("PUSH_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
		PubSubProject:      getEnv("PUBSUB_PROJECT", ""),
		PubSubSubscription: getEnv("PUBSUB_SUBSCRIPTION", ""),
		PubSubTopic:        getEnv("PUBSUB_TOPIC", ""),

		NATSURL: getEnv("NATS_URL", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// Validate checks required settings and that numeric and duration values
// parse and are in range.
func (c *Config) Validate() error {
	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	switch c.DatabaseDriver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be 'sqlite' or 'sqlite3'")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	if n, err := strconv.Atoi(c.RefreshAttempts); err != nil || n < 1 || n > 10 {
		return fmt.Errorf("REFRESH_ATTEMPTS must be a number between 1 and 10")
	}
	if err := positiveDuration("REFRESH_ATTEMPT_TIMEOUT", c.RefreshAttemptTimeoutRaw); err != nil {
		return err
	}
	if err := positiveDuration("SYNC_TIMEOUT", c.SyncTimeout); err != nil {
		return err
	}
	budget := auth.WorstCaseRefresh(c.RefreshAttemptCount(), c.RefreshAttemptTimeout())
	if c.SyncTimeoutDuration() <= budget {
		return fmt.Errorf("SYNC_TIMEOUT must exceed the worst-case refresh time of %s", budget)
	}

	switch c.DedupBackend {
	case "memory":
		if n, err := strconv.Atoi(c.DedupCapacity); err != nil || n < 1 {
			return fmt.Errorf("DEDUP_CAPACITY must be a positive number")
		}
	case "redis":
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when DEDUP_BACKEND is redis")
		}
		if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
			return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
		}
		if err := positiveDuration("DEDUP_TTL", c.DedupTTL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("DEDUP_BACKEND must be 'memory' or 'redis'")
	}

	if (c.PubSubProject == "") != (c.PubSubSubscription == "") {
		return fmt.Errorf("PUBSUB_PROJECT and PUBSUB_SUBSCRIPTION must be set together")
	}
	if c.PushAudience != "" && c.PushJWKSURL == "" {
		return fmt.Errorf("PUSH_JWKS_URL is required when PUSH_AUDIENCE is set")
	}
	return nil
}

func positiveDuration(name, value string) error {
	if d, err := time.ParseDuration(value); err != nil || d <= 0 {
		return fmt.Errorf("%s must be a positive duration (e.g. '10s', '1m')", name)
	}
	return nil
}

// RefreshAttemptCount returns REFRESH_ATTEMPTS.
func (c *Config) RefreshAttemptCount() int { return atoi(c.RefreshAttempts) }

// RefreshAttemptTimeout returns REFRESH_ATTEMPT_TIMEOUT.
func (c *Config) RefreshAttemptTimeout() time.Duration { return duration(c.RefreshAttemptTimeoutRaw) }

// SyncTimeoutDuration returns SYNC_TIMEOUT.
func (c *Config) SyncTimeoutDuration() time.Duration { return duration(c.SyncTimeout) }

// DedupCapacityInt returns DEDUP_CAPACITY.
func (c *Config) DedupCapacityInt() int { return atoi(c.DedupCapacity) }

// DedupTTLDuration returns DEDUP_TTL.
func (c *Config) DedupTTLDuration() time.Duration { return duration(c.DedupTTL) }

// RedisDBInt returns REDIS_DB.
func (c *Config) RedisDBInt() int { return atoi(c.RedisDB) }

// PullEnabled reports whether pull-mode ingestion is configured.
func (c *Config) PullEnabled() bool { return c.PubSubProject != "" && c.PubSubSubscription != "" }

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
