package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/susu3304/klingbot/internal/api"
	"github.com/susu3304/klingbot/internal/bot"
	"github.com/susu3304/klingbot/internal/config"
	"github.com/susu3304/klingbot/internal/db"
	"github.com/susu3304/klingbot/internal/kling"
	"github.com/susu3304/klingbot/internal/orchestrator"
	"github.com/susu3304/klingbot/internal/session"
	"github.com/susu3304/klingbot/internal/yoomoney"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.RunMigrations(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Kling generation client
	jobs, err := kling.NewClient(cfg.KlingAccessKey, cfg.KlingSecretKey, cfg.KlingAPIURL)
	if err != nil {
		log.Fatalf("Failed to create kling client: %v", err)
	}

	// Payments
	verifier := yoomoney.NewVerifier(cfg.YooMoneySecret)
	checkout := yoomoney.NewCheckoutClient(cfg.YooMoneyReceiver, cfg.PayPaymentType, cfg.PayPriceRUB, cfg.PaySuccessURL)
	if cfg.YooMoneySecret == "" {
		log.Println("WARNING: YOOMONEY_SECRET is not set; in-chat notifications will trust payload-supplied secrets")
	}

	// Orchestration
	sessions := session.NewStore()
	pool := orchestrator.NewPool(8)
	svc := orchestrator.New(database, sessions, jobs, verifier, pool, cfg.RunsDir)

	// Initialize Discord bot
	discordBot, err := bot.New(cfg.DiscordToken, svc, checkout, cfg.ForwardChannelID, cfg.PayPriceRUB)
	if err != nil {
		log.Fatalf("Failed to create discord bot: %v", err)
	}

	// Initialize API server
	apiServer := api.New(cfg, database, svc, discordBot.NotifyUser)

	// Start Discord bot
	if err := discordBot.Start(); err != nil {
		log.Fatalf("Failed to start discord bot: %v", err)
	}
	defer discordBot.Stop()

	// Start API server
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	// Wait for signal to stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	pool.Wait()
}
