package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	platformstrings "opsgate/pkg/platform/strings"
)

// Config captures everything the server needs at startup.
type Config struct {
	Addr string

	// PostgresDSN is empty when the server runs on in-memory stores only.
	PostgresDSN string

	Redis RedisConfig
	Kafka KafkaConfig

	JWTSigningKey string
	SessionTTL    time.Duration

	// SessionCheckTimeout bounds the initial session fetch. When it fires the
	// provider stops reporting loading; it does not retry.
	SessionCheckTimeout time.Duration

	// LoginLockout limits failed sign-in attempts per credential.
	LoginMaxAttempts   int
	LoginAttemptWindow time.Duration
}

// RedisConfig captures Redis connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig captures the audit pipeline's broker settings.
// Empty Seeds means audit events stay on the local store only.
type KafkaConfig struct {
	Seeds []string
	Topic string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:                envOr("OPSGATE_ADDR", ":8080"),
		PostgresDSN:         os.Getenv("OPSGATE_POSTGRES_DSN"),
		JWTSigningKey:       envOr("OPSGATE_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		SessionTTL:          envDurationOr("OPSGATE_SESSION_TTL", 12*time.Hour),
		SessionCheckTimeout: envDurationOr("OPSGATE_SESSION_CHECK_TIMEOUT", 10*time.Second),
		LoginMaxAttempts:    envIntOr("OPSGATE_LOGIN_MAX_ATTEMPTS", 10),
		LoginAttemptWindow:  envDurationOr("OPSGATE_LOGIN_ATTEMPT_WINDOW", 15*time.Minute),
	}

	cfg.Redis = RedisConfig{
		URL:          os.Getenv("OPSGATE_REDIS_URL"),
		PoolSize:     envIntOr("OPSGATE_REDIS_POOL_SIZE", 10),
		MinIdleConns: envIntOr("OPSGATE_REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  envDurationOr("OPSGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  envDurationOr("OPSGATE_REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: envDurationOr("OPSGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
	}

	if seeds := os.Getenv("OPSGATE_KAFKA_SEEDS"); seeds != "" {
		cfg.Kafka = KafkaConfig{
			Seeds: platformstrings.DedupeAndTrim(strings.Split(seeds, ",")),
			Topic: envOr("OPSGATE_KAFKA_AUDIT_TOPIC", "opsgate.audit"),
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
