package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 5, cfg.InvoiceMaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.StockCacheTTL)
	assert.False(t, cfg.AllowNegativeStock)
	assert.Equal(t, "0 2 * * *", cfg.IntegrityCron)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("ALLOW_NEGATIVE_STOCK", "true")
	t.Setenv("STOCK_CACHE_TTL", "30s")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.AllowNegativeStock)
	assert.Equal(t, 30*time.Second, cfg.StockCacheTTL)
}

func TestLoadConfigRejectsBadAttempts(t *testing.T) {
	t.Setenv("INVOICE_MAX_ATTEMPTS", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}
