package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/klingbot/internal/orchestrator"
	"github.com/susu3304/klingbot/internal/yoomoney"
)

const paymentNoticeHeader = "Платеж получен!"

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot messages
	if m.Author.Bot {
		return
	}

	if len(m.Attachments) > 0 {
		b.handleImageMessage(s, m)
		return
	}

	content := strings.TrimSpace(m.Content)
	if strings.HasPrefix(content, paymentNoticeHeader) {
		b.handlePaymentNotice(s, m, content)
		return
	}

	// Only guide users in DMs; staying quiet in guild channels.
	if m.GuildID == "" && content != "" {
		b.reply(s, m.ChannelID, "Пришлите изображение (сначала начальное, затем конечное), либо используйте /video.")
	}
}

func (b *Bot) handleImageMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	userID := parseUserID(m.Author.ID)
	if userID == 0 {
		log.Printf("bot: could not parse author id %q", m.Author.ID)
		return
	}

	attachment := firstImageAttachment(m.Attachments)
	if attachment == nil {
		b.reply(s, m.ChannelID, "Пришлите изображение (фото или файл-изображение).")
		return
	}

	data, err := downloadAttachment(attachment.URL)
	if err != nil {
		log.Printf("bot: failed to download attachment for user %d: %v", userID, err)
		b.reply(s, m.ChannelID, "Ошибка: не удалось загрузить изображение.")
		b.svc.ResetSession(userID)
		return
	}

	// Mirror the incoming media itself without blocking the intake flow.
	if b.forwardChannelID != "" {
		fwd := append([]byte(nil), data...)
		go b.forwardFile(attachmentName(attachment), fmt.Sprintf("Forwarded from %s", m.ChannelID), fwd)
	}

	_, first, err := b.svc.CollectImage(userID, data)
	if err != nil {
		log.Printf("bot: image intake failed for user %d: %v", userID, err)
		b.reply(s, m.ChannelID, "Ошибка: "+err.Error())
		b.svc.ResetSession(userID)
		return
	}
	if first {
		b.reply(s, m.ChannelID, "Начальное изображение получено. Теперь пришлите конечное изображение.")
		return
	}

	channelID := m.ChannelID
	delivery := orchestrator.Delivery{
		Progress: func(tier int) {
			if tier == 0 {
				b.reply(s, channelID, "Давайте подождём ещё одну минуту")
				return
			}
			b.reply(s, channelID, "Проверяю готовность... подождём ещё чуть-чуть")
		},
		Video: func(url string) {
			b.deliverVideo(s, channelID, "Готово!", url)
		},
		Text: func(msg string) {
			b.reply(s, channelID, msg)
		},
	}
	if b.forwardChannelID != "" {
		delivery.Forward = func(url string) {
			b.deliverVideo(s, b.forwardChannelID, fmt.Sprintf("Generated for %s", channelID), url)
		}
	}

	if err := b.svc.StartGeneration(context.Background(), userID, delivery); err != nil {
		log.Printf("bot: failed to start generation for user %d: %v", userID, err)
		b.reply(s, m.ChannelID, "Ошибка: "+err.Error())
		b.svc.ResetSession(userID)
		return
	}

	b.reply(s, m.ChannelID, "Генерация видео запущена, подождите 30 секунд и я проверю готово ли оно.")
	b.reply(s, m.ChannelID, "Вы можете сгенерировать ещё одно видео или оплатить пакет генераций.")
}

func (b *Bot) handlePaymentNotice(s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	log.Printf("bot: payment notification received in channel %s", m.ChannelID)

	notice := yoomoney.Parse(content)
	userID, balance, err := b.svc.HandlePaymentNotice(context.Background(), notice, false)
	switch {
	case errors.Is(err, orchestrator.ErrInvalidNotice):
		b.reply(s, m.ChannelID, "Подпись уведомления некорректна или операция защищена кодом (codepro).")
	case errors.Is(err, orchestrator.ErrUnresolvedUser):
		b.reply(s, m.ChannelID, "Не удалось определить пользователя из label. Зачисление не выполнено.")
	case err != nil:
		log.Printf("bot: payment crediting failed: %v", err)
		b.reply(s, m.ChannelID, "Ошибка обработки уведомления: "+err.Error())
	default:
		b.reply(s, m.ChannelID, fmt.Sprintf("Оплата подтверждена. Баланс пользователя %d: %d", userID, balance))
	}
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	userID := interactionUserID(i)
	if userID == 0 {
		return
	}

	switch i.ApplicationCommandData().Name {
	case "video":
		b.svc.ResetSession(userID)
		respond(s, i, "Пришлите начальное изображение (фото или файл-изображение).")
	case "cancel":
		b.svc.ResetSession(userID)
		respond(s, i, "Диалог сброшен. Используйте /video, чтобы начать заново.")
	case "balance":
		balance, err := b.svc.Balance(context.Background(), userID)
		if err != nil {
			log.Printf("bot: failed to read balance for user %d: %v", userID, err)
			respond(s, i, "Не удалось получить баланс, попробуйте позже.")
			return
		}
		respond(s, i, fmt.Sprintf("Ваш баланс: %d генераций.", balance))
	case "pay":
		b.handlePayCommand(s, i, userID)
	}
}

func (b *Bot) handlePayCommand(s *discordgo.Session, i *discordgo.InteractionCreate, userID int64) {
	if !b.checkout.Enabled() {
		respond(s, i, "Платёж недоступен: кошелёк получателя не настроен.")
		return
	}

	// The checkout request goes to an external service; acknowledge first so
	// the interaction token does not expire.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		log.Printf("bot: failed to defer pay interaction: %v", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		url, err := b.checkout.PaymentURL(ctx, userID)
		var content string
		if err != nil {
			log.Printf("bot: checkout failed for user %d: %v", userID, err)
			content = "Не удалось создать запрос оплаты: " + err.Error()
		} else {
			content = fmt.Sprintf(
				"Создаю запрос на оплату на сумму %s RUB...\nСсылка на оплату: %s\n\nПосле оплаты баланс пополнится автоматически.",
				b.priceRUB, url,
			)
		}
		if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
			log.Printf("bot: failed to edit pay response: %v", err)
		}
	}()
}

// reply sends a channel message, retrying once on a transient network error.
func (b *Bot) reply(s *discordgo.Session, channelID, content string) {
	const attemptTimeout = 12 * time.Second
	const maxAttempts = 2

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
		_, err := s.ChannelMessageSend(channelID, content, discordgo.WithContext(sendCtx))
		cancel()
		if err == nil {
			return
		}
		if !isTemporaryOrTimeout(err) || attempt == maxAttempts {
			log.Printf("bot: failed to send message to channel %s: %v", channelID, err)
			return
		}
		time.Sleep(time.Duration(300+rand.Intn(500)) * time.Millisecond)
	}
}

// deliverVideo uploads the finished video into a channel, falling back to a
// bare URL line when the fetch or the upload fails.
func (b *Bot) deliverVideo(s *discordgo.Session, channelID, caption, url string) {
	data, err := downloadAttachment(url)
	if err != nil {
		log.Printf("bot: failed to fetch video %s: %v", url, err)
		b.reply(s, channelID, caption+" "+url)
		return
	}
	if _, err := s.ChannelFileSendWithMessage(channelID, caption, "result.mp4", bytes.NewReader(data)); err != nil {
		log.Printf("bot: failed to upload video to channel %s: %v", channelID, err)
		b.reply(s, channelID, caption+" "+url)
	}
}

// forwardFile mirrors incoming media into the forward channel. Best effort
// only.
func (b *Bot) forwardFile(name, caption string, data []byte) {
	if b.forwardChannelID == "" {
		return
	}
	if _, err := b.session.ChannelFileSendWithMessage(b.forwardChannelID, caption, name, bytes.NewReader(data)); err != nil {
		log.Printf("bot: failed to forward to channel %s: %v", b.forwardChannelID, err)
	}
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
		},
	})
	if err != nil {
		log.Printf("bot: failed to respond to interaction: %v", err)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) int64 {
	if i.Member != nil && i.Member.User != nil {
		return parseUserID(i.Member.User.ID)
	}
	if i.User != nil {
		return parseUserID(i.User.ID)
	}
	return 0
}

func firstImageAttachment(attachments []*discordgo.MessageAttachment) *discordgo.MessageAttachment {
	for _, a := range attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a
		}
	}
	return nil
}

func attachmentName(a *discordgo.MessageAttachment) string {
	if a.Filename != "" {
		return a.Filename
	}
	return "image.jpg"
}

func downloadAttachment(url string) ([]byte, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("attachment download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func isTemporaryOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
