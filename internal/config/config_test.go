package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.CacheTTL)
	assert.Equal(t, "pkr", cfg.Currency)
	assert.Equal(t, 0.05, cfg.TaxRate)
	assert.False(t, cfg.PaymentsEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CURRENCY", " USD ")
	t.Setenv("FRONTEND_URL", "https://shop.example.pk/")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("CACHE_TTL", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "usd", cfg.Currency)
	assert.Equal(t, "https://shop.example.pk", cfg.FrontendURL)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.PaymentsEnabled())
}

func TestLoadRejectsNegativePricing(t *testing.T) {
	t.Setenv("SHIPPING_FEE", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	assert.Empty(t, Config{}.DSN())
	assert.Equal(t, "postgres://u@h/db", Config{DatabaseURL: " postgres://u@h/db "}.DSN())
	assert.Equal(t, "postgres://app:pw@db:5432/buildmart?sslmode=disable", Config{
		DBHost: "db", DBPort: "5432", DBUser: "app", DBPassword: "pw", DBName: "buildmart", DBSSLMode: "disable",
	}.DSN())
}

func TestSecretFallback(t *testing.T) {
	secret, ok := Config{}.Secret()
	assert.False(t, ok)
	assert.NotEmpty(t, secret)

	secret, ok = Config{JWTSecret: "prod"}.Secret()
	assert.True(t, ok)
	assert.Equal(t, "prod", secret)
}
