package handlers

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/i18n"
	"github.com/yagpt-tgbot-go/internal/middleware"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/admin"
	"github.com/yagpt-tgbot-go/internal/services/relay"
	"github.com/yagpt-tgbot-go/pkg/logger"
)

// Sender is the part of *tgbotapi.BotAPI the handlers use.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// LanguageSource yields the process-wide interface language.
type LanguageSource interface {
	Language() models.Language
}

// Handler routes Telegram updates to the relay and the admin panel.
type Handler struct {
	bot         Sender
	botUsername string
	relay       *relay.Service
	panel       *admin.Panel
	limiter     middleware.RateLimiter
	language    LanguageSource
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
}

func NewHandler(
	bot Sender,
	botUsername string,
	relaySvc *relay.Service,
	panel *admin.Panel,
	limiter middleware.RateLimiter,
	language LanguageSource,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Handler {
	return &Handler{
		bot:         bot,
		botUsername: botUsername,
		relay:       relaySvc,
		panel:       panel,
		limiter:     limiter,
		language:    language,
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleUpdate processes one update to completion.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		h.handleCallback(ctx, update.CallbackQuery)
		return
	}

	message := update.Message
	if message == nil || message.From == nil || message.Chat == nil {
		return
	}

	chatType := "private"
	if message.Chat.IsGroup() || message.Chat.IsSuperGroup() {
		chatType = "group"
	}
	h.metrics.RecordMessageReceived(chatType)
	h.relay.Title(ctx, message.Chat.ID, chatTitle(message.Chat))

	if message.IsCommand() {
		h.metrics.RecordCommandExecuted(message.Command())
		h.handleCommand(ctx, message)
		return
	}

	if h.panel.IsAdmin(message.From.ID) {
		view, handled, err := h.panel.HandleText(ctx, adminRequest(message, ""))
		if handled {
			if err != nil {
				logger.WithContext(h.logger, message.Chat.ID, message.From.ID).WithError(err).Error("Admin input failed")
			}
			h.sendView(message.Chat.ID, view)
			return
		}
	}

	if question, ok := h.addressedText(message); ok {
		h.ask(ctx, message, question)
	}
}

// addressedText returns the text meant for the bot: every message in a
// private chat, and in groups only mentions of the bot or replies to it.
func (h *Handler) addressedText(message *tgbotapi.Message) (string, bool) {
	text := strings.TrimSpace(message.Text)
	if text == "" {
		return "", false
	}
	if message.Chat.IsPrivate() {
		return text, true
	}

	if h.botUsername != "" {
		mention := "@" + h.botUsername
		if idx := indexFold(text, mention); idx >= 0 {
			return strings.TrimSpace(text[:idx] + text[idx+len(mention):]), true
		}
	}
	if reply := message.ReplyToMessage; reply != nil && reply.From != nil && reply.From.IsBot &&
		strings.EqualFold(reply.From.UserName, h.botUsername) {
		return text, true
	}
	return "", false
}

// indexFold returns the byte offset in s of the first case-insensitive match
// of substr, or -1. Offsets always refer to s itself.
func indexFold(s, substr string) int {
	for i := range s {
		if len(s)-i < len(substr) {
			break
		}
		if strings.EqualFold(s[i:i+len(substr)], substr) {
			return i
		}
	}
	return -1
}

func chatTitle(chat *tgbotapi.Chat) string {
	switch {
	case chat.Title != "":
		return chat.Title
	case chat.UserName != "":
		return "@" + chat.UserName
	default:
		return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
}

func adminRequest(message *tgbotapi.Message, data string) admin.Request {
	return admin.Request{
		CallerID: message.From.ID,
		ChatID:   message.Chat.ID,
		Data:     data,
		Text:     message.Text,
	}
}

func (h *Handler) text(id string, data map[string]interface{}) string {
	return h.localizer.Get(h.language.Language(), id, data)
}
