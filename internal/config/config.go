// Package config loads service configuration from the environment, with a
// local .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/clubhoops/payment-service/internal/domain"
)

// Config is the full service configuration
type Config struct {
	Environment string // development | production

	Server struct {
		Port        int
		MetricsPort int
	}

	Database struct {
		URL      string
		MaxConns int32
	}

	Processor struct {
		Timeout    time.Duration
		MaxRetries int
	}

	Reconciler struct {
		Schedule       string // cron expression for the daily full sync
		CallsPerSecond float64
	}

	Mail struct {
		ResendAPIKey string
		FromAddress  string
	}

	// Ambient processor credentials, used only as the refund fallback when
	// a ledger entry's configuration was deleted and no same-kind active
	// configuration exists.
	Fallback struct {
		Environment        string
		Currency           string
		SquareAccessToken  string
		SquareLocationID   string
		CloverAccessToken  string
		CloverMerchantID   string
		StripeSecretKey    string
		PayPalClientID     string
		PayPalClientSecret string
	}
}

// Load reads configuration from the environment. A .env file is honored
// when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("METRICS_PORT", 9090)
	v.SetDefault("DATABASE_MAX_CONNS", 10)
	v.SetDefault("PROCESSOR_TIMEOUT_SECONDS", 30)
	v.SetDefault("PROCESSOR_MAX_RETRIES", 2)
	v.SetDefault("RECONCILER_SCHEDULE", "0 2 * * *")
	v.SetDefault("RECONCILER_CALLS_PER_SECOND", 2.0)
	v.SetDefault("FALLBACK_PROCESSOR_ENVIRONMENT", "production")
	v.SetDefault("FALLBACK_CURRENCY", "USD")

	cfg := &Config{}
	cfg.Environment = v.GetString("ENVIRONMENT")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.MetricsPort = v.GetInt("METRICS_PORT")
	cfg.Database.URL = v.GetString("DATABASE_URL")
	cfg.Database.MaxConns = v.GetInt32("DATABASE_MAX_CONNS")
	cfg.Processor.Timeout = time.Duration(v.GetInt("PROCESSOR_TIMEOUT_SECONDS")) * time.Second
	cfg.Processor.MaxRetries = v.GetInt("PROCESSOR_MAX_RETRIES")
	cfg.Reconciler.Schedule = v.GetString("RECONCILER_SCHEDULE")
	cfg.Reconciler.CallsPerSecond = v.GetFloat64("RECONCILER_CALLS_PER_SECOND")
	cfg.Mail.ResendAPIKey = v.GetString("RESEND_API_KEY")
	cfg.Mail.FromAddress = v.GetString("MAIL_FROM_ADDRESS")

	cfg.Fallback.Environment = v.GetString("FALLBACK_PROCESSOR_ENVIRONMENT")
	cfg.Fallback.Currency = v.GetString("FALLBACK_CURRENCY")
	cfg.Fallback.SquareAccessToken = v.GetString("SQUARE_ACCESS_TOKEN")
	cfg.Fallback.SquareLocationID = v.GetString("SQUARE_LOCATION_ID")
	cfg.Fallback.CloverAccessToken = v.GetString("CLOVER_ACCESS_TOKEN")
	cfg.Fallback.CloverMerchantID = v.GetString("CLOVER_MERCHANT_ID")
	cfg.Fallback.StripeSecretKey = v.GetString("STRIPE_SECRET_KEY")
	cfg.Fallback.PayPalClientID = v.GetString("PAYPAL_CLIENT_ID")
	cfg.Fallback.PayPalClientSecret = v.GetString("PAYPAL_CLIENT_SECRET")

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// FallbackConfigs synthesizes processor configurations from the ambient
// credentials. Only kinds with complete credentials are returned.
func (c *Config) FallbackConfigs() []*domain.ProcessorConfig {
	env := domain.Environment(c.Fallback.Environment)
	base := func(kind domain.ProcessorKind) *domain.ProcessorConfig {
		return &domain.ProcessorConfig{
			Kind:        kind,
			Active:      true,
			Environment: env,
			Currency:    c.Fallback.Currency,
		}
	}

	var configs []*domain.ProcessorConfig
	if c.Fallback.SquareAccessToken != "" && c.Fallback.SquareLocationID != "" {
		cfg := base(domain.ProcessorSquare)
		cfg.Credentials.AccessToken = c.Fallback.SquareAccessToken
		cfg.Credentials.LocationID = c.Fallback.SquareLocationID
		configs = append(configs, cfg)
	}
	if c.Fallback.CloverAccessToken != "" && c.Fallback.CloverMerchantID != "" {
		cfg := base(domain.ProcessorClover)
		cfg.Credentials.AccessToken = c.Fallback.CloverAccessToken
		cfg.Credentials.MerchantID = c.Fallback.CloverMerchantID
		configs = append(configs, cfg)
	}
	if c.Fallback.StripeSecretKey != "" {
		cfg := base(domain.ProcessorStripe)
		cfg.Credentials.AccessToken = c.Fallback.StripeSecretKey
		configs = append(configs, cfg)
	}
	if c.Fallback.PayPalClientID != "" && c.Fallback.PayPalClientSecret != "" {
		cfg := base(domain.ProcessorPayPal)
		cfg.Credentials.ClientID = c.Fallback.PayPalClientID
		cfg.Credentials.ClientSecret = c.Fallback.PayPalClientSecret
		configs = append(configs, cfg)
	}
	return configs
}
