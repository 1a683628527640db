// Package config loads the API configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const devJWTSecret = "buildmart-dev-secret"

type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"buildmart-api"`

	DatabaseURL       string        `env:"DATABASE_URL"`
	DBHost            string        `env:"DB_HOST"`
	DBPort            string        `env:"DB_PORT" envDefault:"5432"`
	DBUser            string        `env:"DB_USER" envDefault:"postgres"`
	DBPassword        string        `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName            string        `env:"DB_NAME" envDefault:"buildmart"`
	DBSSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"60"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"20"`
	DBConnMaxIdle     time.Duration `env:"DB_CONN_MAX_IDLE" envDefault:"5m"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`

	RedisURL string        `env:"REDIS_URL"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"45s"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTTTL    time.Duration `env:"JWT_TTL" envDefault:"720h"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	FrontendURL         string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`
	Currency            string `env:"CURRENCY" envDefault:"pkr"`

	TaxRate          float64 `env:"TAX_RATE" envDefault:"0.05"`
	FreeShippingOver float64 `env:"FREE_SHIPPING_OVER" envDefault:"10000"`
	ShippingFee      float64 `env:"SHIPPING_FEE" envDefault:"500"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json"`
	TracingEnabled bool   `env:"TRACING_ENABLED" envDefault:"false"`
}

// Load parses the environment and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.TaxRate < 0 || cfg.ShippingFee < 0 || cfg.FreeShippingOver < 0 {
		return Config{}, fmt.Errorf("pricing settings must not be negative")
	}
	return cfg, nil
}

// DSN returns the Postgres connection string, or "" when no database is configured.
func (c Config) DSN() string {
	if dsn := strings.TrimSpace(c.DatabaseURL); dsn != "" {
		return dsn
	}
	if strings.TrimSpace(c.DBHost) == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// Secret returns the JWT signing secret. ok is false when the development
// fallback is in use.
func (c Config) Secret() (secret string, ok bool) {
	if c.JWTSecret != "" {
		return c.JWTSecret, true
	}
	return devJWTSecret, false
}

func (c Config) PaymentsEnabled() bool {
	return c.StripeSecretKey != ""
}
