// Package config loads server configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Broker modes.
const (
	BrokerKite     = "kite"
	BrokerPaper    = "paper"
	BrokerDisabled = "disabled"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	CORSOrigins []string

	JWTSecret string
	TokenTTL  time.Duration

	BrokerMode      string
	KiteAPIKey      string
	KiteAccessToken string
	KiteBaseURL     string
	BrokerTimeout   time.Duration
	PaperFillDelay  time.Duration

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayAccountNumber string
	RazorpayBaseURL       string
	PaymentTimeout        time.Duration

	QuoteInterval        time.Duration
	FillPollSchedule     string
	PriceRefreshSchedule string

	MaxInstrumentExposure decimal.Decimal // zero = unlimited
	MaxIssuerExposure     decimal.Decimal // zero = unlimited
	WalletCurrency        string
}

// parser collects malformed values so Load can report them together.
type parser struct {
	errs []error
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) getDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid amount %q", key, v))
		return def
	}
	return d
}

func (p *parser) getInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration without cross-field validation, for tools
// that need only part of it.
func Parse() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var p parser
	cfg := &Config{
		Port:        strconv.Itoa(p.getInt("PORT", 8080)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    p.getDuration("CACHE_TTL", 30*time.Second),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "*"), ","),

		JWTSecret: getEnv("JWT_SECRET", ""),
		TokenTTL:  p.getDuration("TOKEN_TTL", 7*24*time.Hour),

		BrokerMode:      strings.ToLower(getEnv("BROKER_MODE", BrokerPaper)),
		KiteAPIKey:      getEnv("KITE_API_KEY", ""),
		KiteAccessToken: getEnv("KITE_ACCESS_TOKEN", ""),
		KiteBaseURL:     getEnv("KITE_BASE_URL", "https://api.kite.trade"),
		BrokerTimeout:   p.getDuration("BROKER_TIMEOUT", 10*time.Second),
		PaperFillDelay:  p.getDuration("PAPER_FILL_DELAY", 5*time.Second),

		RazorpayKeyID:         getEnv("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     getEnv("RAZORPAY_KEY_SECRET", ""),
		RazorpayAccountNumber: getEnv("RAZORPAYX_ACCOUNT_NUMBER", ""),
		RazorpayBaseURL:       getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"),
		PaymentTimeout:        p.getDuration("PAYMENT_TIMEOUT", 15*time.Second),

		QuoteInterval:        p.getDuration("QUOTE_INTERVAL", 1500*time.Millisecond),
		FillPollSchedule:     getEnv("FILL_POLL_SCHEDULE", "@every 30s"),
		PriceRefreshSchedule: getEnv("PRICE_REFRESH_SCHEDULE", "@every 5m"),

		MaxInstrumentExposure: p.getDecimal("MAX_INSTRUMENT_EXPOSURE", decimal.Zero),
		MaxIssuerExposure:     p.getDecimal("MAX_ISSUER_EXPOSURE", decimal.Zero),
		WalletCurrency:        strings.ToUpper(getEnv("WALLET_CURRENCY", "INR")),
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.BrokerMode {
	case BrokerPaper, BrokerDisabled:
	case BrokerKite:
		if c.KiteAPIKey == "" || c.KiteAccessToken == "" {
			return fmt.Errorf("BROKER_MODE=kite requires KITE_API_KEY and KITE_ACCESS_TOKEN")
		}
	default:
		return fmt.Errorf("BROKER_MODE must be kite, paper or disabled, got %q", c.BrokerMode)
	}
	return nil
}

// PaymentsConfigured reports whether Razorpay credentials are present.
func (c *Config) PaymentsConfigured() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}
