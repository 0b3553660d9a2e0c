package config

import (
	"testing"
	"time"
)

func devConfig() *Config {
	return &Config{
		AppEnv:      "dev",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",
		StoreType:   "memory",
		JWTSecret:   defaultJWTSecret,
		JWTTTL:      time.Hour,
		RateLimit:   100,
		LogLevel:    "info",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreType != "memory" {
		t.Errorf("StoreType = %q, want memory", cfg.StoreType)
	}
	if cfg.JWTTTL != 24*time.Hour {
		t.Errorf("JWTTTL = %v, want 24h", cfg.JWTTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default dev config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"dev defaults", func(c *Config) {}, true},
		{"unknown store", func(c *Config) { c.StoreType = "redis" }, false},
		{"postgres without dsn", func(c *Config) { c.StoreType = "postgres" }, false},
		{"postgres with dsn", func(c *Config) {
			c.StoreType = "postgres"
			c.DatabaseDSN = "postgres://localhost/exparo"
		}, true},
		{"empty http addr", func(c *Config) { c.HTTPAddr = "" }, false},
		{"non-positive ttl", func(c *Config) { c.JWTTTL = 0 }, false},
		{"default secret in prod", func(c *Config) { c.AppEnv = "prod" }, false},
		{"real secret in prod", func(c *Config) {
			c.AppEnv = "prod"
			c.JWTSecret = "long-random-secret"
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := devConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
