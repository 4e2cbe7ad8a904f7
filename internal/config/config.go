package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	BaseURL         string        `mapstructure:"BASE_URL"`
	SecretKey       string        `mapstructure:"SECRET_KEY"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	DBQueryTimeout  time.Duration `mapstructure:"DB_QUERY_TIMEOUT"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	RedisTimeout    time.Duration `mapstructure:"REDIS_TIMEOUT"`
	UseRateLimits   bool          `mapstructure:"USE_RATE_LIMITS"`
	RateLimit       int64         `mapstructure:"RATE_LIMIT"`
	RateLimitPeriod time.Duration `mapstructure:"RATE_LIMIT_PERIOD"`
	TokenTTL        time.Duration `mapstructure:"TOKEN_TTL"`
	TokenIssueRPS   float64       `mapstructure:"TOKEN_ISSUE_RPS"`
	TokenIssueBurst int           `mapstructure:"TOKEN_ISSUE_BURST"`
	SearchStrict    bool          `mapstructure:"SEARCH_STRICT"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	TLSEnabled      bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile     string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile      string        `mapstructure:"TLS_KEY_FILE"`
}

// devSecret signs tokens when SECRET_KEY is unset in development.
const devSecret = "unkani-development-secret"

var keys = []string{
	"PORT", "ENV", "BASE_URL", "SECRET_KEY",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_QUERY_TIMEOUT",
	"REDIS_URL", "REDIS_TIMEOUT",
	"USE_RATE_LIMITS", "RATE_LIMIT", "RATE_LIMIT_PERIOD",
	"TOKEN_TTL", "TOKEN_ISSUE_RPS", "TOKEN_ISSUE_BURST",
	"SEARCH_STRICT", "CORS_ORIGINS",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_QUERY_TIMEOUT", "5s")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("REDIS_TIMEOUT", "2s")
	v.SetDefault("USE_RATE_LIMITS", true)
	v.SetDefault("RATE_LIMIT", 5)
	v.SetDefault("RATE_LIMIT_PERIOD", "15s")
	v.SetDefault("TOKEN_TTL", "600s")
	v.SetDefault("TOKEN_ISSUE_RPS", 1)
	v.SetDefault("TOKEN_ISSUE_BURST", 5)
	v.SetDefault("SEARCH_STRICT", false)
	v.SetDefault("CORS_ORIGINS", "*")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.SecretKey == "" && cfg.IsDev() {
		cfg.SecretKey = devSecret
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a real SECRET_KEY is mandatory, and every timeout must be finite.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required when ENV=%q", c.Env)
	}
	if !c.IsDev() && c.SecretKey == devSecret {
		return fmt.Errorf("SECRET_KEY must not use the development secret when ENV=%q", c.Env)
	}
	if c.DBQueryTimeout <= 0 {
		return fmt.Errorf("DB_QUERY_TIMEOUT must be positive, got %s", c.DBQueryTimeout)
	}
	if c.RedisTimeout <= 0 {
		return fmt.Errorf("REDIS_TIMEOUT must be positive, got %s", c.RedisTimeout)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.UseRateLimits {
		if c.RateLimit <= 0 {
			return fmt.Errorf("RATE_LIMIT must be positive when USE_RATE_LIMITS is true, got %d", c.RateLimit)
		}
		if c.RateLimitPeriod < time.Second {
			return fmt.Errorf("RATE_LIMIT_PERIOD must be at least 1s, got %s", c.RateLimitPeriod)
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
