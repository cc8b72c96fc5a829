// Package config loads the collabd configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Event bus backends.
const (
	EventsNone   = "none"
	EventsMemory = "memory"
	EventsRedis  = "redis"
	EventsNATS   = "nats"
	EventsKafka  = "kafka"
)

// Authentication modes.
const (
	AuthJWT    = "jwt"
	AuthHeader = "header"
)

var (
	ErrUnknownBackend = errors.New("config: unknown backend")
	ErrInvalidTTL     = errors.New("config: invalid ttl bounds")
	ErrMissingSecret  = errors.New("config: JWT_SECRET is required in jwt auth mode")
)

type Config struct {
	// Server configuration
	Addr        string
	MetricsPath string

	// Coordination store
	Store        string
	RedisURL     string
	StoreTimeout time.Duration

	// Collaboration events
	Events           string
	NATSURL          string
	KafkaBrokers     []string
	KafkaTopic       string
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Locks and presence
	LockDefaultTTL time.Duration
	LockMinTTL     time.Duration
	LockMaxTTL     time.Duration
	PresenceTTL    time.Duration

	// Identity
	AuthMode  string
	JWTSecret string
	AdminRole string

	// Observability
	LogFormat string
	LogLevel  slog.Level
	Tracing   bool
}

// Load reads the configuration from the environment after loading the given
// dotenv files, or ".env" when none are given. Missing files are ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	p := parser{}
	cfg := &Config{
		Addr:        getEnv("COLLAB_ADDR", ":8080"),
		MetricsPath: getEnv("COLLAB_METRICS_PATH", "/metrics"),

		Store:        strings.ToLower(getEnv("COLLAB_STORE", StoreMemory)),
		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		StoreTimeout: p.seconds("COLLAB_STORE_TIMEOUT_SECONDS", 5),

		Events:           strings.ToLower(getEnv("COLLAB_EVENTS", EventsMemory)),
		NATSURL:          getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", "collab-events"),
		BreakerThreshold: p.int("COLLAB_EVENTS_BREAKER_THRESHOLD", 5),
		BreakerTimeout:   p.seconds("COLLAB_EVENTS_BREAKER_TIMEOUT_SECONDS", 30),

		LockDefaultTTL: p.seconds("LOCK_DEFAULT_TTL_SECONDS", 300),
		LockMinTTL:     p.seconds("LOCK_MIN_TTL_SECONDS", 30),
		LockMaxTTL:     p.seconds("LOCK_MAX_TTL_SECONDS", 3600),
		PresenceTTL:    p.seconds("PRESENCE_TTL_SECONDS", 60),

		AuthMode:  strings.ToLower(getEnv("COLLAB_AUTH", AuthJWT)),
		JWTSecret: os.Getenv("JWT_SECRET"),
		AdminRole: getEnvRaw("COLLAB_ADMIN_ROLE", "admin"),

		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		Tracing:   p.bool("COLLAB_TRACING", false),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		p.errs = append(p.errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("%w: store %q", ErrUnknownBackend, c.Store)
	}
	switch c.Events {
	case EventsNone, EventsMemory, EventsRedis, EventsNATS, EventsKafka:
	default:
		return fmt.Errorf("%w: events %q", ErrUnknownBackend, c.Events)
	}
	if c.Events == EventsRedis && c.Store != StoreRedis {
		return fmt.Errorf("%w: redis events require the redis store", ErrUnknownBackend)
	}
	if c.Events == EventsKafka && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("%w: kafka events require KAFKA_BROKERS", ErrUnknownBackend)
	}
	switch c.AuthMode {
	case AuthJWT:
		if c.JWTSecret == "" {
			return ErrMissingSecret
		}
	case AuthHeader:
	default:
		return fmt.Errorf("%w: auth %q", ErrUnknownBackend, c.AuthMode)
	}
	if c.LockMinTTL <= 0 || c.LockMinTTL > c.LockMaxTTL ||
		c.LockDefaultTTL < c.LockMinTTL || c.LockDefaultTTL > c.LockMaxTTL {
		return fmt.Errorf("%w: min %s default %s max %s", ErrInvalidTTL, c.LockMinTTL, c.LockDefaultTTL, c.LockMaxTTL)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("%w: presence ttl %s", ErrInvalidTTL, c.PresenceTTL)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRaw distinguishes an empty value from an unset one.
func getEnvRaw(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects conversion errors so that every bad variable is reported
// at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func (p *parser) seconds(key string, defaultValue int) time.Duration {
	return time.Duration(p.int(key, defaultValue)) * time.Second
}

func (p *parser) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}
