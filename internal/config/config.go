// Package config содержит логику чтения конфигурации POS-сервиса.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации POS-сервиса.
type Config struct {
	RunAddress       string        `env:"RUN_ADDRESS"`
	DatabaseURI      string        `env:"DATABASE_URI"`
	JWTSecret        string        `env:"JWT_SECRET"`
	WhatsAppAPIURL   string        `env:"WHATSAPP_API_URL"`
	WhatsAppAPIKey   string        `env:"WHATSAPP_API_KEY"`
	TaxRate          float64       `env:"TAX_RATE" envDefault:"0.1"`
	ReminderInterval time.Duration `env:"REMINDER_INTERVAL" envDefault:"1h"`
	ReminderAge      time.Duration `env:"REMINDER_AGE" envDefault:"24h"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envJWTSecret := cfg.JWTSecret
	envWhatsAppURL := cfg.WhatsAppAPIURL
	envWhatsAppKey := cfg.WhatsAppAPIKey

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret key for signing auth tokens")
	flag.StringVar(&cfg.WhatsAppAPIURL, "w", "", "WhatsApp gateway URL (empty disables notifications)")
	flag.StringVar(&cfg.WhatsAppAPIKey, "k", "", "WhatsApp gateway API key (user:pass or bearer token)")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envJWTSecret != "" {
		cfg.JWTSecret = envJWTSecret
	}
	if envWhatsAppURL != "" {
		cfg.WhatsAppAPIURL = envWhatsAppURL
	}
	if envWhatsAppKey != "" {
		cfg.WhatsAppAPIKey = envWhatsAppKey
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "laundry-pos-secret"
	}
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		return nil, fmt.Errorf("tax rate %v out of range [0, 1)", cfg.TaxRate)
	}

	return cfg, nil
}
