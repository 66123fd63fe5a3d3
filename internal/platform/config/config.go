// Package config builds process configuration from environment variables so
// main stays lean. All variables carry the ACTA_ prefix.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "acta/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	LogLevel      string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
}

// Database captures the PostgreSQL connection.
type Database struct {
	URL string
}

// Redis captures the optional shared-cache connection. An empty URL means the
// process-local cache is used instead.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Hub captures websocket fan-out tuning.
type Hub struct {
	StatsInterval  time.Duration
	BufferCapacity int
}

// Capture tunes request-level audit capture.
type Capture struct {
	MaxBodyBytes  int
	RedactHeaders []string
}

// Export captures compliance export caps.
type Export struct {
	MaxRangeDays int
	MaxRows      int
}

// Retention captures the archival sweep.
type Retention struct {
	Schedule  string
	Window    time.Duration
	BatchSize int
}

// Stats captures aggregator tuning.
type Stats struct {
	CacheTTL time.Duration
}

// Kafka captures the optional audit stream. No brokers means the sink is
// disabled.
type Kafka struct {
	Brokers []string
}

// Config is the full process configuration.
type Config struct {
	Server    Server
	Database  Database
	Redis     Redis
	Capture   Capture
	Hub       Hub
	Export    Export
	Retention Retention
	Stats     Stats
	Kafka     Kafka
}

// FromEnv reads the full configuration from the environment, applying
// development defaults.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envString("ACTA_ADDR", ":8080"),
			LogLevel:      envString("ACTA_LOG_LEVEL", "info"),
			JWTSigningKey: envString("ACTA_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:     envString("ACTA_JWT_ISSUER", "acta"),
			JWTAudience:   envString("ACTA_JWT_AUDIENCE", "acta-api"),
		},
		Database: Database{
			URL: envString("ACTA_DATABASE_URL", "postgres://localhost:5432/acta?sslmode=disable"),
		},
		Redis: Redis{
			URL:          os.Getenv("ACTA_REDIS_URL"),
			PoolSize:     envInt("ACTA_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("ACTA_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("ACTA_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("ACTA_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("ACTA_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Capture: Capture{
			MaxBodyBytes:  envInt("ACTA_CAPTURE_MAX_BODY_BYTES", 4096),
			RedactHeaders: envList("ACTA_CAPTURE_REDACT_HEADERS"),
		},
		Hub: Hub{
			StatsInterval:  envDuration("ACTA_HUB_STATS_INTERVAL", 10*time.Second),
			BufferCapacity: envInt("ACTA_HUB_BUFFER_CAPACITY", 1000),
		},
		Export: Export{
			MaxRangeDays: envInt("ACTA_EXPORT_MAX_RANGE_DAYS", 365),
			MaxRows:      envInt("ACTA_EXPORT_MAX_ROWS", 10000),
		},
		Retention: Retention{
			Schedule:  envString("ACTA_RETENTION_SCHEDULE", "5 * * * *"),
			Window:    envDuration("ACTA_RETENTION_WINDOW", 90*24*time.Hour),
			BatchSize: envInt("ACTA_RETENTION_BATCH_SIZE", 500),
		},
		Stats: Stats{
			CacheTTL: envDuration("ACTA_STATS_CACHE_TTL", 30*time.Second),
		},
		Kafka: Kafka{
			Brokers: envList("ACTA_KAFKA_BROKERS"),
		},
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func envList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	return platformstrings.DedupeAndTrim(strings.Split(value, ","))
}
