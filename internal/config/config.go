// Package config handles application configuration from environment variables
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

// Payment provider names.
const (
	ProviderSimulated = "simulated"
	ProviderStripe    = "stripe"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Tracing (optional, disabled if not set)
	OTLPEndpoint string

	// Commission
	DefaultCommissionRate decimal.Decimal

	// Refunds
	RefundWindow     time.Duration // seller-initiated refunds, from order creation
	MaxRefundRetries int
	ProviderTimeout  time.Duration

	// Payment provider
	PaymentProvider string // "simulated" or "stripe"
	SimulatedMode   string // "completed" or "pending"
	StripeSecretKey string

	// Background reconciliation
	ReconcileInterval time.Duration
	StaleRefundAfter  time.Duration
	OperatorID        string // receives escrow audit alerts

	// Webhooks
	WebhookTimeout      time.Duration
	WebhookDisableAfter int

	// HTTP edge
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCommissionRate      = "0.10"
	DefaultRefundWindow        = 30 * 24 * time.Hour
	DefaultMaxRefundRetries    = 3
	DefaultProviderTimeout     = 30 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultStaleRefundAfter    = 10 * time.Minute
	DefaultWebhookTimeout      = 10 * time.Second
	DefaultWebhookDisableAfter = 20
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []error
	rate, err := decimal.NewFromString(getEnv("DEFAULT_COMMISSION_RATE", DefaultCommissionRate))
	if err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_COMMISSION_RATE: %w", err))
	}
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DefaultCommissionRate: rate,
		RefundWindow:          getEnvDuration("REFUND_WINDOW", DefaultRefundWindow, &errs),
		MaxRefundRetries:      getEnvInt("MAX_REFUND_RETRIES", DefaultMaxRefundRetries, &errs),
		ProviderTimeout:       getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout, &errs),
		PaymentProvider:       strings.ToLower(getEnv("PAYMENT_PROVIDER", ProviderSimulated)),
		SimulatedMode:         getEnv("SIMULATED_MODE", "completed"),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval, &errs),
		StaleRefundAfter:      getEnvDuration("STALE_REFUND_AFTER", DefaultStaleRefundAfter, &errs),
		OperatorID:            os.Getenv("OPERATOR_ID"),
		WebhookTimeout:        getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout, &errs),
		WebhookDisableAfter:   getEnvInt("WEBHOOK_DISABLE_AFTER", DefaultWebhookDisableAfter, &errs),
		RateLimitRPM:          getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM, &errs),
		RateLimitBurst:        getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst, &errs),
		CORSOrigins:           splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.DefaultCommissionRate.IsNegative() || c.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("DEFAULT_COMMISSION_RATE must be between 0 and 1, got %s", c.DefaultCommissionRate)
	}
	if c.MaxRefundRetries < 0 {
		return fmt.Errorf("MAX_REFUND_RETRIES must not be negative")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.RefundWindow <= 0 {
		return fmt.Errorf("REFUND_WINDOW must be positive")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.ReconcileInterval <= 0 || c.StaleRefundAfter <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL and STALE_REFUND_AFTER must be positive")
	}

	switch c.PaymentProvider {
	case ProviderSimulated:
		if c.IsProduction() {
			return fmt.Errorf("PAYMENT_PROVIDER=simulated is not allowed in production")
		}
		if c.SimulatedMode != "completed" && c.SimulatedMode != "pending" {
			return fmt.Errorf("SIMULATED_MODE must be completed or pending, got %q", c.SimulatedMode)
		}
	case ProviderStripe:
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return i
}

// getEnvDuration accepts Go durations ("90s", "720h") and a day suffix ("30d").
func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err == nil {
			return time.Duration(n) * 24 * time.Hour
		}
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

// splitList parses a comma separated list, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
