package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis (credential lookup cache)
	RedisURL        string
	CacheTTLSeconds int
	CacheEnabled    bool

	// Upstream completion service
	UpstreamBaseURL string
	UpstreamAPIKey  string

	// Timeouts
	UpstreamConnectTimeout time.Duration
	UpstreamIdleTimeout    time.Duration // max silence between stream chunks
	RequestTimeout         time.Duration // non-streaming upstream calls

	// Admin
	AdminToken string

	// Quota
	DefaultMaxOutputTokens int

	// Logging
	Debug bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		CacheTTLSeconds:        getEnvInt("CACHE_TTL_SECONDS", 60),
		CacheEnabled:           getEnvBool("CACHE_ENABLED", true),
		UpstreamBaseURL:        getEnv("UPSTREAM_BASE_URL", ""),
		UpstreamAPIKey:         getEnv("UPSTREAM_API_KEY", ""),
		UpstreamConnectTimeout: getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		UpstreamIdleTimeout:    getEnvDuration("UPSTREAM_IDLE_TIMEOUT", 30*time.Second),
		RequestTimeout:         getEnvDuration("REQUEST_TIMEOUT", 120*time.Second),
		AdminToken:             getEnv("ADMIN_TOKEN", ""),
		DefaultMaxOutputTokens: getEnvInt("DEFAULT_MAX_OUTPUT_TOKENS", 4096),
		Debug:                  getEnvBool("DEBUG", false),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("UPSTREAM_BASE_URL is required")
	}
	if cfg.UpstreamAPIKey == "" {
		return nil, fmt.Errorf("UPSTREAM_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
