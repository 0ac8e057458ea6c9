// Package config loads the service's runtime configuration from
// environment variables (and an optional .env file), the way the
// original gateway's config package does.
package config

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process configuration, resolved once at startup.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Ingest buffer
	MaxQueueSize int // math.MaxInt32 when PAYMENT_QUEUE_MAX_SIZE=infinity

	// Worker pool
	MaxConcurrency  int
	WorkerIdleSleep time.Duration
	RequeueCooldown time.Duration

	// Gateway / outbound HTTP
	DefaultBaseURL  string
	FallbackBaseURL string
	RequestTimeout  time.Duration
	ConnectTimeout  time.Duration // only applied when Debug is set
	Debug           bool
	HTTPPoolSize    int
	HTTPPoolCount   int

	// Health poller
	HealthPollInterval  time.Duration
	HealthSlowThreshold time.Duration

	// Store
	DatabaseURL string
	DBPoolSize  int
	RedisURL    string
	DedupTTL    time.Duration

	// Admin
	AdminEnabled bool

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file in the working directory. Unset variables fall back to
// production-sane defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            ":" + getEnv("PORT", "9999"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: getEnvDuration("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15*time.Second, time.Second),

		MaxQueueSize: getEnvQueueSize("PAYMENT_QUEUE_MAX_SIZE", 50000),

		MaxConcurrency:  getEnvInt("MAX_CONCURRENCY", 2*runtime.GOMAXPROCS(0)),
		WorkerIdleSleep: getEnvDuration("WORKER_IDLE_SLEEP_MS", 300*time.Millisecond, time.Millisecond),
		RequeueCooldown: getEnvDuration("WORKER_REQUEUE_COOLDOWN_MS", 300*time.Millisecond, time.Millisecond),

		DefaultBaseURL:  getEnv("PAYMENTS_DEFAULT_BASE_URL", getEnv("PAYMENTS_BASE_URL", "http://payment-processor-default:8080")),
		FallbackBaseURL: getEnv("PAYMENTS_FALLBACK_BASE_URL", getEnv("PAYMENTS_BASE_URL", "http://payment-processor-fallback:8080")),
		RequestTimeout:  getEnvDuration("GATEWAY_REQUEST_TIMEOUT_MS", 1*time.Second, time.Millisecond),
		ConnectTimeout:  getEnvDuration("GATEWAY_CONNECT_TIMEOUT_MS", 500*time.Millisecond, time.Millisecond),
		Debug:           getEnvBool("DEBUG", false),
		HTTPPoolSize:    getEnvInt("HTTP_POOL_SIZE", 64),
		HTTPPoolCount:   getEnvInt("HTTP_POOL_COUNT", 2),

		HealthPollInterval:  getEnvDuration("HEALTH_POLL_INTERVAL_MS", 5*time.Second, time.Millisecond),
		HealthSlowThreshold: getEnvDuration("HEALTH_SLOW_THRESHOLD_MS", 30*time.Millisecond, time.Millisecond),

		DatabaseURL: resolveDatabaseURL(),
		DBPoolSize:  getEnvInt("DB_POOL_SIZE", 10),
		RedisURL:    getEnv("REDIS_URL", "redis://redis:6379"),
		DedupTTL:    getEnvDuration("DEDUP_TTL_SEC", 60*time.Second, time.Second),

		AdminEnabled: getEnvBool("ADMIN_ENABLED", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// resolveDatabaseURL prefers DATABASE_URL, falling back to assembling
// one from the discrete DB_* variables per spec.md's env table.
func resolveDatabaseURL() string {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		return v
	}
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	pass := getEnv("DB_PASSWORD", "postgres")
	name := getEnv("DB_NAME", "payments")
	sslmode := "disable"
	if getEnvBool("DB_SSL", false) {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, sslmode)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration, unit time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * unit
		}
	}
	return fallback
}

// getEnvQueueSize parses a positive integer or the literal "infinity".
func getEnvQueueSize(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if strings.EqualFold(strings.TrimSpace(v), "infinity") {
		return math.MaxInt32
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return fallback
}
