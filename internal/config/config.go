// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Backing stores
	RedisURL    string // ephemeral risk state (optional, uses in-memory if not set)
	DatabaseURL string // PostgreSQL audit trail (optional, uses in-memory if not set)

	// Geolocation
	GeoIPDBPath string // path to a MaxMind City database (optional)

	// Fraud thresholds
	MaxSingleAmount     float64
	MaxDailyAmount      float64
	MaxDailyCount       int64
	VelocityWindow      time.Duration
	VelocityMaxTx       int
	SmallTxAmount       float64 // "small" transaction bound for rapid-fire detection
	SmallTxMaxCount     int
	DistanceThresholdKm float64
	DeviceChangeWindow  time.Duration
	SuspiciousCountries []string // ISO country codes

	// Device trust
	TrustThreshold float64
	DeviceTTL      time.Duration

	// Security
	RateLimitRPM  int
	AdminSecret   string // Admin API secret
	WebhookURL    string // alert delivery endpoint (optional)
	WebhookSecret string // HMAC key for alert signatures

	// Observability
	OTLPEndpoint string // OTLP gRPC collector (optional)
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultMaxSingleAmount = 5000
	DefaultMaxDailyAmount  = 10000
	DefaultMaxDailyCount   = 20
	DefaultVelocityWindow  = 5 * time.Minute
	DefaultVelocityMaxTx   = 3
	DefaultSmallTxAmount   = 100
	DefaultSmallTxMaxCount = 3
	DefaultDistanceKm      = 500
	DefaultDeviceWindow    = 24 * time.Hour
	DefaultTrustThreshold  = 0.7
	DefaultDeviceTTL       = 30 * 24 * time.Hour
	DefaultRateLimit       = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		RedisURL:            os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GeoIPDBPath:         os.Getenv("GEOIP_DB_PATH"),
		MaxSingleAmount:     getEnvFloat64("MAX_SINGLE_AMOUNT", DefaultMaxSingleAmount),
		MaxDailyAmount:      getEnvFloat64("MAX_DAILY_AMOUNT", DefaultMaxDailyAmount),
		MaxDailyCount:       getEnvInt64("MAX_DAILY_COUNT", DefaultMaxDailyCount),
		VelocityWindow:      getEnvDuration("VELOCITY_WINDOW", DefaultVelocityWindow),
		VelocityMaxTx:       int(getEnvInt64("VELOCITY_MAX_TX", DefaultVelocityMaxTx)),
		SmallTxAmount:       getEnvFloat64("SMALL_TX_AMOUNT", DefaultSmallTxAmount),
		SmallTxMaxCount:     int(getEnvInt64("SMALL_TX_MAX_COUNT", DefaultSmallTxMaxCount)),
		DistanceThresholdKm: getEnvFloat64("DISTANCE_THRESHOLD_KM", DefaultDistanceKm),
		DeviceChangeWindow:  getEnvDuration("DEVICE_CHANGE_WINDOW", DefaultDeviceWindow),
		SuspiciousCountries: getEnvList("SUSPICIOUS_COUNTRIES"),
		TrustThreshold:      getEnvFloat64("TRUST_THRESHOLD", DefaultTrustThreshold),
		DeviceTTL:           getEnvDuration("DEVICE_TTL", DefaultDeviceTTL),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		WebhookURL:          os.Getenv("ALERT_WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.MaxSingleAmount <= 0 {
		return fmt.Errorf("MAX_SINGLE_AMOUNT must be positive")
	}
	if c.MaxDailyAmount < c.MaxSingleAmount {
		return fmt.Errorf("MAX_DAILY_AMOUNT must be at least MAX_SINGLE_AMOUNT")
	}
	if c.TrustThreshold < 0 || c.TrustThreshold > 1 {
		return fmt.Errorf("TRUST_THRESHOLD must be in [0,1]")
	}
	if c.DistanceThresholdKm <= 0 {
		return fmt.Errorf("DISTANCE_THRESHOLD_KM must be positive")
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList parses a comma-separated value, trimming whitespace and
// dropping empty entries.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
