// Package config loads server configuration from environment variables.
//
// All variables are optional:
//   - DATABASE_URL: PostgreSQL connection string. When empty, overrides live
//     in memory only and are lost on restart.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - API_TOKEN_HASH: bcrypt hash of the bearer token required on /v1/ and
//     gRPC. When empty the API is unauthenticated.
//   - AUTH_RATE_LIMIT: failed auth attempts allowed per IP per minute
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - RESYNC_INTERVAL: safety-net reload of stored overrides
//     (default "1m", must be > 0 if set).
//   - NOTIFY_CHANNEL: Postgres LISTEN/NOTIFY channel for override changes
//     (default "flag_overrides").
//   - ADMIN_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: serve a read-only copy of
//     the HTTP API on a tailnet. ADMIN_HOSTNAME requires TS_AUTH_KEY.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/flagtree/internal/logging"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultGRPCAddr              = ":9090"
	defaultLogLevel              = "info"
	defaultTSStateDir            = "tsnet-state"
	defaultNotifyChannel         = "flag_overrides"
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
	defaultResyncInterval        = time.Minute
)

// Config holds the runtime configuration for the flagtree server.
type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	GRPCAddr        string
	LogLevel        string
	APITokenHash    string
	AuthRateLimit   int
	MaxJSONBodySize int64
	ResyncInterval  time.Duration
	NotifyChannel   string
	AdminHostname   string
	TSAuthKey       string
	TSStateDir      string
}

// Persistent reports whether overrides are stored in Postgres.
func (c Config) Persistent() bool {
	return c.DatabaseURL != ""
}

// AuthEnabled reports whether the API requires a bearer token.
func (c Config) AuthEnabled() bool {
	return c.APITokenHash != ""
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if a value fails validation.
func Load() (Config, error) {
	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	resyncInterval, err := positiveDuration("RESYNC_INTERVAL", defaultResyncInterval)
	if err != nil {
		return Config{}, err
	}

	logLevel := envOrDefault("LOG_LEVEL", defaultLogLevel)
	if _, err := logging.ValidateLevel(logLevel); err != nil {
		return Config{}, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}

	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	tsAuthKey := strings.TrimSpace(os.Getenv("TS_AUTH_KEY"))
	if adminHostname != "" && tsAuthKey == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when ADMIN_HOSTNAME is set")
	}

	return Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:        envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:        logLevel,
		APITokenHash:    strings.TrimSpace(os.Getenv("API_TOKEN_HASH")),
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
		ResyncInterval:  resyncInterval,
		NotifyChannel:   envOrDefault("NOTIFY_CHANNEL", defaultNotifyChannel),
		AdminHostname:   adminHostname,
		TSAuthKey:       tsAuthKey,
		TSStateDir:      envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
