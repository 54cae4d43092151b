// Package config loads service settings from an optional .env file, an
// optional YAML file named by CONFIG_FILE, and the environment, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/ridebook/internal/booking/domain"
	"github.com/example/ridebook/internal/drivers"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst float64 `yaml:"burst"`
}

// Config holds every setting of the booking service and CLI.
type Config struct {
	HTTPAddr      string          `yaml:"http_addr"`
	StoreBackend  string          `yaml:"store_backend"`
	RedisAddr     string          `yaml:"redis_addr"`
	RedisPrefix   string          `yaml:"redis_prefix"`
	PostgresDSN   string          `yaml:"postgres_dsn"`
	NATSURL       string          `yaml:"nats_url"`
	EventsSubject string          `yaml:"events_subject"`
	JWTSecret     string          `yaml:"jwt_secret"`
	Timezone      string          `yaml:"timezone"`
	Debug         bool            `yaml:"debug"`
	Tracing       bool            `yaml:"tracing"`
	ClaimRetry    time.Duration   `yaml:"claim_retry_delay"`
	JanitorEvery  time.Duration   `yaml:"janitor_interval"`
	PendingGrace  time.Duration   `yaml:"janitor_pending_grace"`
	RateRead      RateConfig      `yaml:"rate_read"`
	RateWrite     RateConfig      `yaml:"rate_write"`
	Drivers       []domain.Driver `yaml:"drivers"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPAddr:      ":8080",
		StoreBackend:  BackendMemory,
		RedisPrefix:   "ridebook:",
		EventsSubject: "booking.events",
		Timezone:      "Local",
		ClaimRetry:    time.Second,
		JanitorEvery:  time.Minute,
		PendingGrace:  15 * time.Minute,
		RateRead:      RateConfig{RPS: 20, Burst: 40},
		RateWrite:     RateConfig{RPS: 2, Burst: 5},
		Drivers:       drivers.DefaultRoster(),
	}
}

// Load reads .env (when present), CONFIG_FILE (when set) and the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.StoreBackend = strings.ToLower(getenv("STORE_BACKEND", c.StoreBackend))
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.RedisPrefix = getenv("REDIS_PREFIX", c.RedisPrefix)
	c.PostgresDSN = firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL"), c.PostgresDSN)
	c.NATSURL = getenv("NATS_URL", c.NATSURL)
	c.EventsSubject = getenv("EVENTS_SUBJECT", c.EventsSubject)
	c.JWTSecret = getenv("JWT_SECRET", c.JWTSecret)
	c.Timezone = getenv("TIMEZONE", c.Timezone)
	c.Debug = parseBoolEnv("DEBUG", c.Debug)
	c.Tracing = parseBoolEnv("TRACING", c.Tracing)
	c.ClaimRetry = parseMillisEnv("CLAIM_RETRY_DELAY_MS", c.ClaimRetry)
	c.JanitorEvery = parseMillisEnv("JANITOR_INTERVAL_MS", c.JanitorEvery)
	c.PendingGrace = parseMillisEnv("JANITOR_PENDING_GRACE_MS", c.PendingGrace)
	c.RateRead.RPS = parseFloatEnv("RATE_READ_RPS", c.RateRead.RPS)
	c.RateRead.Burst = parseFloatEnv("RATE_READ_BURST", c.RateRead.Burst)
	c.RateWrite.RPS = parseFloatEnv("RATE_WRITE_RPS", c.RateWrite.RPS)
	c.RateWrite.Burst = parseFloatEnv("RATE_WRITE_BURST", c.RateWrite.Burst)
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for _, d := range c.Drivers {
		if strings.TrimSpace(d.ID) == "" {
			return errors.New("driver roster entry without id")
		}
	}
	return nil
}

// Location resolves Timezone; trip times are wall clock times in it.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseMillisEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return fallback
}
