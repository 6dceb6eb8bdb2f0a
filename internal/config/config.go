// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram struct {
		Token        string
		OperatorChat int64
	}
	DB struct {
		Host         string
		Port         string
		User         string
		Password     string
		DBName       string
		SSLMode      string
		MaxOpenConns int
		MaxIdleConns int
		ConnLifetime time.Duration
	}
	Stripe struct {
		SecretKey  string
		PublicKey  string
		WebhookKey string
		// Price IDs per plan type.
		ExpressPriceID  string
		BiweeklyPriceID string
		RegularPriceID  string
	}
	GPT struct {
		APIKey string
		Model  string
	}
	Scheduler struct {
		PollInterval time.Duration
		CycleBudget  time.Duration
		MaxAttempts  int
		// Timezone for delivery scheduling when the user has none stored.
		DefaultTimezone string
	}
	Setup struct {
		// Duplicate-rejection cutoff on token-set similarity. The historical
		// 0.8 is not a tuned value; keep it adjustable.
		SimilarityThreshold float64
	}
	Server struct {
		Port string
	}
	ShutdownTimeout time.Duration
}

// PriceIDs returns the Stripe price map keyed by plan type.
func (c *Config) PriceIDs() map[string]string {
	return map[string]string{
		"express":  c.Stripe.ExpressPriceID,
		"biweekly": c.Stripe.BiweeklyPriceID,
		"regular":  c.Stripe.RegularPriceID,
	}
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.coach-bot")

	v.SetDefault("ShutdownTimeout", 10*time.Second)
	v.SetDefault("GPT.Model", "gpt-4")
	v.SetDefault("Server.Port", "8080")
	v.SetDefault("DB.MaxOpenConns", 20)
	v.SetDefault("DB.MaxIdleConns", 10)
	v.SetDefault("DB.ConnLifetime", 5*time.Minute)
	v.SetDefault("Scheduler.PollInterval", time.Minute)
	v.SetDefault("Scheduler.CycleBudget", 45*time.Second)
	v.SetDefault("Scheduler.MaxAttempts", 3)
	v.SetDefault("Scheduler.DefaultTimezone", "UTC")
	v.SetDefault("Setup.SimilarityThreshold", 0.8)

	v.AutomaticEnv()

	// No config file is fine: fall back to environment variables only.
	if err := v.ReadInConfig(); err != nil {
		cfg := &Config{}

		cfg.Telegram.Token = os.Getenv("TELEGRAM_TOKEN")
		cfg.Telegram.OperatorChat, _ = strconv.ParseInt(os.Getenv("TELEGRAM_OPERATOR_CHAT"), 10, 64)
		cfg.DB.Host = getEnvOr("DB_HOST", "localhost")
		cfg.DB.Port = getEnvOr("DB_PORT", "5432")
		cfg.DB.User = getEnvOr("DB_USER", "postgres")
		cfg.DB.Password = getEnvOr("DB_PASSWORD", "postgres")
		cfg.DB.DBName = getEnvOr("DB_NAME", "coach_bot")
		cfg.DB.SSLMode = getEnvOr("DB_SSL_MODE", "disable")
		cfg.DB.MaxOpenConns = 20
		cfg.DB.MaxIdleConns = 10
		cfg.DB.ConnLifetime = 5 * time.Minute
		cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
		cfg.Stripe.PublicKey = os.Getenv("STRIPE_PUBLIC_KEY")
		cfg.Stripe.WebhookKey = os.Getenv("STRIPE_WEBHOOK_KEY")
		cfg.Stripe.ExpressPriceID = os.Getenv("STRIPE_PRICE_EXPRESS")
		cfg.Stripe.BiweeklyPriceID = os.Getenv("STRIPE_PRICE_BIWEEKLY")
		cfg.Stripe.RegularPriceID = os.Getenv("STRIPE_PRICE_REGULAR")
		cfg.GPT.APIKey = os.Getenv("GPT_API_KEY")
		cfg.GPT.Model = getEnvOr("GPT_MODEL", "gpt-4")
		cfg.Server.Port = getEnvOr("SERVER_PORT", "8080")
		cfg.Scheduler.PollInterval = time.Minute
		cfg.Scheduler.CycleBudget = 45 * time.Second
		cfg.Scheduler.MaxAttempts = 3
		cfg.Scheduler.DefaultTimezone = getEnvOr("DEFAULT_TIMEZONE", "UTC")
		cfg.Setup.SimilarityThreshold = 0.8
		cfg.ShutdownTimeout = 10 * time.Second

		return cfg, nil
	}

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Helper function to get environment variable with default value
func getEnvOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
