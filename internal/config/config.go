// Package config provides application configuration loading from
// environment variables and .env files via viper.
// Configuration priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "dev-secret-change-me"

// Config holds all application configuration.
type Config struct {
	AppEnv      string        // Application environment (dev, staging, prod)
	HTTPAddr    string        // HTTP server bind address (e.g., ":8080")
	MetricsAddr string        // Metrics server bind address
	DatabaseDSN string        // PostgreSQL connection string
	StoreType   string        // Storage backend type (postgres or memory)
	JWTSecret   string        // HMAC secret for admin access tokens
	JWTTTL      time.Duration // Admin token lifetime
	RateLimit   int           // Per-IP request limit per minute on the library surface
	LogLevel    string        // zerolog level (debug, info, warn, error)
}

// Load reads configuration from environment variables and an optional
// .env file. Environment variables take precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env") // Optional; silently ignored if file doesn't exist
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	setDefaults(v)

	return &Config{
		AppEnv:      v.GetString("APP_ENV"),
		HTTPAddr:    v.GetString("APP_HTTP_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		DatabaseDSN: v.GetString("DB_DSN"),
		StoreType:   v.GetString("STORE_TYPE"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		JWTTTL:      v.GetDuration("JWT_TTL"),
		RateLimit:   v.GetInt("RATE_LIMIT_PER_IP"),
		LogLevel:    v.GetString("LOG_LEVEL"),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "dev")
	v.SetDefault("APP_HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("STORE_TYPE", "memory")
	v.SetDefault("JWT_SECRET", defaultJWTSecret) // Change in production!
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("RATE_LIMIT_PER_IP", 100)
	v.SetDefault("LOG_LEVEL", "info")
}

// ValidationError describes a configuration constraint failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate checks that the configuration is suitable for startup. In
// non-dev environments the JWT secret must be explicitly configured.
func (c *Config) Validate() error {
	switch c.StoreType {
	case "memory", "postgres":
	default:
		return ValidationError{Field: "StoreType", Message: "must be 'memory' or 'postgres'"}
	}
	if c.StoreType == "postgres" && c.DatabaseDSN == "" {
		return ValidationError{Field: "DatabaseDSN", Message: "required when STORE_TYPE is postgres"}
	}
	if c.HTTPAddr == "" {
		return ValidationError{Field: "HTTPAddr", Message: "must not be empty"}
	}
	if c.JWTTTL <= 0 {
		return ValidationError{Field: "JWTTTL", Message: "must be positive"}
	}
	if c.AppEnv != "dev" && c.JWTSecret == defaultJWTSecret {
		return ValidationError{Field: "JWTSecret", Message: "default secret not allowed outside dev"}
	}
	return nil
}
