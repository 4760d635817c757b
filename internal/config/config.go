package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	// Discord Bot
	DiscordToken     string
	ForwardChannelID string

	// Discord OAuth2 (admin API login)
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURI  string

	// Database
	DatabaseURL string

	// Kling video generation
	KlingAccessKey string
	KlingSecretKey string
	KlingAPIURL    string

	// YooMoney payments
	YooMoneyReceiver string
	YooMoneySecret   string
	PayPriceRUB      string
	PayPaymentType   string
	PaySuccessURL    string

	// Web Server
	WebBind string

	// Admin API session
	JWTSecret string

	// Local artifact storage
	RunsDir string
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:        os.Getenv("DISCORD_TOKEN"),
		ForwardChannelID:    os.Getenv("FORWARD_CHANNEL_ID"),
		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  getEnvDefault("DISCORD_REDIRECT_URI", "http://localhost:3000/api/auth/callback"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		KlingAccessKey:      os.Getenv("KLING_ACCESS_KEY"),
		KlingSecretKey:      os.Getenv("KLING_SECRET_KEY"),
		KlingAPIURL:         getEnvDefault("KLING_API_URL", "https://api-singapore.klingai.com/v1/videos/image2video"),
		YooMoneyReceiver:    os.Getenv("YOOMONEY_RECEIVER"),
		YooMoneySecret:      os.Getenv("YOOMONEY_SECRET"),
		PayPriceRUB:         getEnvDefault("PAY_PRICE_RUB", "50.00"),
		PayPaymentType:      getEnvDefault("PAY_PAYMENT_TYPE", "AC"),
		PaySuccessURL:       os.Getenv("PAY_SUCCESS_URL"),
		WebBind:             getEnvDefault("WEB_BIND", "0.0.0.0:3000"),
		JWTSecret:           getEnvDefault("JWT_SECRET", "dev-only-change-me"),
		RunsDir:             getEnvDefault("RUNS_DIR", "runs"),
	}

	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.KlingAccessKey == "" || cfg.KlingSecretKey == "" {
		return nil, fmt.Errorf("KLING_ACCESS_KEY and KLING_SECRET_KEY are required")
	}

	return cfg, nil
}

func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
