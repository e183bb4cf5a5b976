package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds the notification dedup cache configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StripeConfig holds the charge processor account configuration
type StripeConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	PublishableKey string `mapstructure:"publishable_key"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	// APIVersion is the processor schema version advertised to the
	// browser widget. Server-side calls are pinned by the SDK itself.
	APIVersion string `mapstructure:"api_version"`
	// Livemode is false for sandbox/test accounts. Plan keys carry a
	// -test suffix when false so test plans never collide with live ones.
	Livemode       bool    `mapstructure:"livemode"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec"`
}

// PaymentsConfig holds payment behaviour toggles
type PaymentsConfig struct {
	CollectMinimalBillingAddress bool `mapstructure:"collect_minimal_billing_address"`
	SendOneoffReceipt            bool `mapstructure:"send_oneoff_receipt"`
}

// VaultConfig holds optional Vault secret-management configuration
type VaultConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from file and environment variables
func Load() error {
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "payment_orchestrator")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("stripe.api_version", "2022-11-15")
	viper.SetDefault("stripe.livemode", false)
	viper.SetDefault("stripe.timeout_seconds", 30)
	viper.SetDefault("stripe.requests_per_sec", 25)
	viper.SetDefault("payments.collect_minimal_billing_address", false)
	viper.SetDefault("payments.send_oneoff_receipt", true)
	viper.SetDefault("log.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and environment only.
	}

	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                              "SERVER_PORT",
		"server.host":                              "SERVER_HOST",
		"database.host":                            "DATABASE_HOST",
		"database.port":                            "DATABASE_PORT",
		"database.name":                            "DATABASE_NAME",
		"database.user":                            "DATABASE_USER",
		"database.password":                        "DATABASE_PASSWORD",
		"redis.addr":                               "REDIS_ADDR",
		"redis.password":                           "REDIS_PASSWORD",
		"stripe.secret_key":                        "STRIPE_SECRET_KEY",
		"stripe.publishable_key":                   "STRIPE_PUBLISHABLE_KEY",
		"stripe.webhook_secret":                    "STRIPE_WEBHOOK_SECRET",
		"stripe.api_version":                       "STRIPE_API_VERSION",
		"stripe.livemode":                          "STRIPE_LIVEMODE",
		"payments.collect_minimal_billing_address": "PAYMENTS_COLLECT_MINIMAL_BILLING_ADDRESS",
		"payments.send_oneoff_receipt":             "PAYMENTS_SEND_ONEOFF_RECEIPT",
		"vault.url":                                "VAULT_URL",
		"vault.token":                              "VAULT_TOKEN",
		"log.level":                                "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	return nil
}

// Get returns the current configuration
func Get() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}
