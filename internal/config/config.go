// Package config содержит логику чтения конфигурации сервиса аренды.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры запуска сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	MetricsAddress string `env:"METRICS_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	KafkaBrokers   string `env:"KAFKA_BROKERS"`
	// KafkaGroup — consumer group монитора событий; пустое значение
	// отключает подписку.
	KafkaGroup     string `env:"KAFKA_CONSUMER_GROUP"`
	JWTSecret      string `env:"JWT_SECRET"`
	CallbackSecret string `env:"PAYMENT_CALLBACK_SECRET"`
	// DepositRate — доля суммы заказа, удерживаемая как залог ("0.2" = 20%).
	DepositRate string `env:"DEPOSIT_RATE"`
}

const (
	defaultRunAddress     = ":8080"
	defaultMetricsAddress = ":9090"
	defaultDepositRate    = "0.2"
)

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	fromEnv := *cfg

	fs := flag.NewFlagSet("rental-service", flag.ContinueOnError)
	fs.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP API")
	fs.StringVar(&cfg.MetricsAddress, "m", defaultMetricsAddress, "address and port for metrics and health endpoints")
	fs.StringVar(&cfg.DatabaseURI, "d", "", "postgres DSN; empty switches to in-memory storage")
	fs.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers; empty disables event publishing")
	fs.StringVar(&cfg.KafkaGroup, "g", "", "kafka consumer group for the event monitor; empty disables consuming")
	fs.StringVar(&cfg.JWTSecret, "s", "", "shared secret for bearer token verification")
	fs.StringVar(&cfg.CallbackSecret, "c", "", "shared secret for payment gateway callbacks")
	fs.StringVar(&cfg.DepositRate, "deposit-rate", defaultDepositRate, "deposit fraction of the order total")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.MetricsAddress != "" {
		cfg.MetricsAddress = fromEnv.MetricsAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.KafkaBrokers != "" {
		cfg.KafkaBrokers = fromEnv.KafkaBrokers
	}
	if fromEnv.KafkaGroup != "" {
		cfg.KafkaGroup = fromEnv.KafkaGroup
	}
	if fromEnv.JWTSecret != "" {
		cfg.JWTSecret = fromEnv.JWTSecret
	}
	if fromEnv.CallbackSecret != "" {
		cfg.CallbackSecret = fromEnv.CallbackSecret
	}
	if fromEnv.DepositRate != "" {
		cfg.DepositRate = fromEnv.DepositRate
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = defaultMetricsAddress
	}
	if cfg.DepositRate == "" {
		cfg.DepositRate = defaultDepositRate
	}

	if _, err := cfg.ParseDepositRate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseDepositRate возвращает ставку залога как decimal в диапазоне [0, 1].
func (c *Config) ParseDepositRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.DepositRate)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid deposit rate %q: %w", c.DepositRate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("deposit rate %q must be within [0, 1]", c.DepositRate)
	}
	return rate, nil
}
