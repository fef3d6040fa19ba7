package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradedesk/trading-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.BrokerPaper, cfg.BrokerMode)
	assert.Equal(t, 1500*time.Millisecond, cfg.QuoteInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, "INR", cfg.WalletCurrency)
	assert.True(t, cfg.MaxInstrumentExposure.IsZero())
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.PaymentsConfigured())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("BROKER_MODE", "Kite")
	t.Setenv("KITE_API_KEY", "k")
	t.Setenv("KITE_ACCESS_TOKEN", "t")
	t.Setenv("MAX_INSTRUMENT_EXPOSURE", "250000")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://admin.example.com")
	t.Setenv("RAZORPAY_KEY_ID", "rzp")
	t.Setenv("RAZORPAY_KEY_SECRET", "x")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, config.BrokerKite, cfg.BrokerMode)
	assert.Equal(t, "250000", cfg.MaxInstrumentExposure.String())
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.PaymentsConfigured())
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := config.Load()
	assert.ErrorContains(t, err, "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("QUOTE_INTERVAL", "soon")
	t.Setenv("MAX_ISSUER_EXPOSURE", "-5")
	_, err = config.Load()
	assert.ErrorContains(t, err, "QUOTE_INTERVAL")
	assert.ErrorContains(t, err, "MAX_ISSUER_EXPOSURE")

	t.Setenv("QUOTE_INTERVAL", "")
	t.Setenv("MAX_ISSUER_EXPOSURE", "")
	t.Setenv("BROKER_MODE", "kite")
	_, err = config.Load()
	assert.ErrorContains(t, err, "KITE_API_KEY")
}

func TestParse_SkipsValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/trading")

	cfg, err := config.Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/trading", cfg.DatabaseURL)
	assert.Error(t, cfg.Validate())
}
