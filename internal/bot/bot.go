package bot

import (
	"fmt"
	"log"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/klingbot/internal/orchestrator"
	"github.com/susu3304/klingbot/internal/yoomoney"
)

type Bot struct {
	session          *discordgo.Session
	svc              *orchestrator.Service
	checkout         *yoomoney.CheckoutClient
	forwardChannelID string
	priceRUB         string
}

func New(token string, svc *orchestrator.Service, checkout *yoomoney.CheckoutClient, forwardChannelID, priceRUB string) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	bot := &Bot{
		session:          session,
		svc:              svc,
		checkout:         checkout,
		forwardChannelID: forwardChannelID,
		priceRUB:         priceRUB,
	}

	// Register event handlers
	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onMessageCreate)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return bot, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	log.Println("Discord bot is running")
	return nil
}

func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	log.Printf("%s is connected!", event.User.Username)

	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "video",
			Description: "Начать создание видео из двух изображений",
		},
		{
			Name:        "cancel",
			Description: "Сбросить текущий диалог",
		},
		{
			Name:        "balance",
			Description: "Показать баланс оплаченных генераций",
		},
		{
			Name:        "pay",
			Description: "Получить ссылку на оплату пакета генераций",
		},
	}

	// Global commands: one registration covers DMs and every guild.
	_, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, "", commands)
	if err != nil {
		log.Printf("Failed to register application commands: %v", err)
		return
	}
	log.Println("Registered application commands")
}

// NotifyUser delivers a direct message to a user, used by the payment
// webhook to confirm credited balances.
func (b *Bot) NotifyUser(userID int64, text string) error {
	channel, err := b.session.UserChannelCreate(strconv.FormatInt(userID, 10))
	if err != nil {
		return fmt.Errorf("failed to open DM channel for user %d: %w", userID, err)
	}
	if _, err := b.session.ChannelMessageSend(channel.ID, text); err != nil {
		return fmt.Errorf("failed to DM user %d: %w", userID, err)
	}
	return nil
}

func parseUserID(id string) int64 {
	parsed, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
