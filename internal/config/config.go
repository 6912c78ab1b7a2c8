/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisDedupePrefix         string `mapstructure:"REDIS_DEDUPE_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	PaystackAPIBaseURL        string `mapstructure:"PAYSTACK_API_BASE_URL"`
	PaystackSecretKey         string `mapstructure:"PAYSTACK_SECRET_KEY"`
	AuthJWKSURL               string `mapstructure:"AUTH_JWKS_URL"`
	AppBaseURL                string `mapstructure:"APP_BASE_URL"`
	PublicBaseURL             string `mapstructure:"PUBLIC_BASE_URL"`
	PremiumPlanAmountKobo     int64  `mapstructure:"PREMIUM_PLAN_AMOUNT_KOBO"`
	ReconcileSweepSchedule    string `mapstructure:"RECONCILE_SWEEP_SCHEDULE"`
	ReconcilePendingMinAgeMin int    `mapstructure:"RECONCILE_PENDING_MIN_AGE_MINUTES"`
	WebhookDedupeTTLMinutes   int    `mapstructure:"WEBHOOK_DEDUPE_TTL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("PAYSTACK_API_BASE_URL", "https://api.paystack.co")
	viper.SetDefault("PREMIUM_PLAN_AMOUNT_KOBO", 500000)
	viper.SetDefault("RECONCILE_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("RECONCILE_PENDING_MIN_AGE_MINUTES", 15)
	viper.SetDefault("WEBHOOK_DEDUPE_TTL_MINUTES", 60)
	viper.SetDefault("REDIS_DEDUPE_PREFIX", "billing:webhook_dedupe")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_DEDUPE_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYSTACK_API_BASE_URL")
	_ = viper.BindEnv("PAYSTACK_SECRET_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("APP_BASE_URL")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("PREMIUM_PLAN_AMOUNT_KOBO")
	_ = viper.BindEnv("RECONCILE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_PENDING_MIN_AGE_MINUTES")
	_ = viper.BindEnv("WEBHOOK_DEDUPE_TTL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Hosting platforms commonly inject PORT; let it win over SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisDedupePrefix = strings.TrimSpace(config.RedisDedupePrefix)
	if config.RedisDedupePrefix == "" {
		config.RedisDedupePrefix = "billing:webhook_dedupe"
	}
	config.PaystackAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.PaystackAPIBaseURL), "/")
	config.AppBaseURL = strings.TrimRight(strings.TrimSpace(config.AppBaseURL), "/")
	config.PublicBaseURL = strings.TrimRight(strings.TrimSpace(config.PublicBaseURL), "/")
	// The callback URL handed to the gateway must point at this service; when
	// no dedicated public URL is configured the app origin fronts it.
	if config.PublicBaseURL == "" {
		config.PublicBaseURL = config.AppBaseURL
	}

	if config.PremiumPlanAmountKobo <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive plan amount configured; using default\" amount_kobo=%d", config.PremiumPlanAmountKobo)
		config.PremiumPlanAmountKobo = 500000
	}
	if config.ReconcilePendingMinAgeMin <= 0 {
		config.ReconcilePendingMinAgeMin = 15
	}
	if config.WebhookDedupeTTLMinutes <= 0 {
		config.WebhookDedupeTTLMinutes = 60
	}
	if strings.TrimSpace(config.ReconcileSweepSchedule) == "" {
		config.ReconcileSweepSchedule = "*/10 * * * *"
	}

	return
}
