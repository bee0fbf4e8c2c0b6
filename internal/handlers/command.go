package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/yagpt-tgbot-go/internal/i18n"
	"github.com/yagpt-tgbot-go/internal/services/relay"
	"github.com/yagpt-tgbot-go/pkg/logger"
	"github.com/yagpt-tgbot-go/pkg/markdown"
)

// Telegram rejects longer messages.
const maxMessageLen = 4096

const maxCaptionLen = 1024

func (h *Handler) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	args := strings.TrimSpace(message.CommandArguments())

	switch message.Command() {
	case "start":
		h.reply(message, h.text(i18n.MsgWelcome, nil))
	case "help":
		h.reply(message, h.text(i18n.MsgHelp, nil))
	case "ask":
		h.ask(ctx, message, args)
	case "image":
		h.image(ctx, message, args)
	case "reset":
		h.reset(ctx, message)
	case "setprompt":
		h.setPrompt(ctx, message, args)
	case "admin":
		h.adminCommand(ctx, message, args)
	}
}

func (h *Handler) ask(ctx context.Context, message *tgbotapi.Message, question string) {
	chatID := message.Chat.ID
	log := logger.WithContext(h.logger, chatID, message.From.ID)

	if strings.TrimSpace(question) == "" {
		h.reply(message, h.text(i18n.MsgUsageAsk, nil))
		return
	}
	if !h.limiter.Allow(chatID) {
		h.reply(message, h.text(i18n.MsgRateLimited, nil))
		return
	}

	if _, err := h.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		log.WithError(err).Debug("Failed to send typing action")
	}

	answer, err := h.relay.Ask(ctx, chatID, question)
	if err != nil {
		if errors.Is(err, relay.ErrEmptyInput) {
			h.reply(message, h.text(i18n.MsgUsageAsk, nil))
			return
		}
		log.WithError(err).Debug("Ask failed")
		h.reply(message, h.errorText(err, i18n.MsgUpstreamError))
		return
	}

	h.sendAnswer(message, answer)
}

func (h *Handler) image(ctx context.Context, message *tgbotapi.Message, prompt string) {
	chatID := message.Chat.ID
	log := logger.WithContext(h.logger, chatID, message.From.ID)

	if prompt == "" {
		h.reply(message, h.text(i18n.MsgUsageImage, nil))
		return
	}
	if !h.limiter.Allow(chatID) {
		h.reply(message, h.text(i18n.MsgRateLimited, nil))
		return
	}

	h.reply(message, h.text(i18n.MsgGeneratingImage, nil))
	if _, err := h.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadPhoto)); err != nil {
		log.WithError(err).Debug("Failed to send upload action")
	}

	img, err := h.relay.Image(ctx, chatID, prompt)
	if err != nil {
		log.WithError(err).Debug("Image failed")
		h.reply(message, h.errorText(err, i18n.MsgImageError))
		return
	}

	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "image.jpeg", Bytes: img})
	photo.Caption = truncateRunes(prompt, maxCaptionLen)
	photo.ReplyToMessageID = message.MessageID
	if _, err := h.bot.Send(photo); err != nil {
		log.WithError(err).Error("Failed to send image")
	}
}

func (h *Handler) reset(ctx context.Context, message *tgbotapi.Message) {
	if err := h.relay.Reset(ctx, message.Chat.ID); err != nil {
		logger.WithContext(h.logger, message.Chat.ID, message.From.ID).WithError(err).Error("Failed to reset chat")
		h.reply(message, h.errorText(err, i18n.MsgGeneralError))
		return
	}
	h.reply(message, h.text(i18n.MsgResetDone, nil))
}

func (h *Handler) setPrompt(ctx context.Context, message *tgbotapi.Message, prompt string) {
	if prompt == "" {
		h.reply(message, h.text(i18n.MsgUsageSetPrompt, nil))
		return
	}
	err := h.relay.SetPrompt(ctx, message.Chat.ID, h.panel.IsAdmin(message.From.ID), prompt)
	if err != nil {
		h.reply(message, h.errorText(err, i18n.MsgGeneralError))
		return
	}
	h.reply(message, h.text(i18n.MsgSetPromptDone, nil))
}

// adminCommand opens the panel; "/admin toggle <id>" flips a chat directly.
func (h *Handler) adminCommand(ctx context.Context, message *tgbotapi.Message, args string) {
	req := adminRequest(message, "")
	fields := strings.Fields(args)

	if len(fields) == 2 && fields[0] == "toggle" {
		chatID, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			h.reply(message, h.text(i18n.MsgInvalidID, nil))
			return
		}
		h.metrics.RecordAdminAction("toggle")
		view, err := h.panel.Toggle(ctx, req, chatID)
		if err != nil {
			logger.WithContext(h.logger, message.Chat.ID, message.From.ID).WithError(err).Error("Admin toggle failed")
		}
		h.sendView(message.Chat.ID, view)
		return
	}

	h.metrics.RecordAdminAction("open")
	view, err := h.panel.Open(ctx, req)
	if err != nil {
		logger.WithContext(h.logger, message.Chat.ID, message.From.ID).WithError(err).Error("Admin panel failed")
	}
	h.sendView(message.Chat.ID, view)
}

// reply sends plain text as a reply to message.
func (h *Handler) reply(message *tgbotapi.Message, text string) {
	msg := tgbotapi.NewMessage(message.Chat.ID, text)
	msg.ReplyToMessageID = message.MessageID
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.WithError(err).WithField("chat_id", message.Chat.ID).Error("Failed to send message")
	}
}

// sendAnswer renders the model's markdown as Telegram HTML and falls back to
// plain text when Telegram rejects the markup.
func (h *Handler) sendAnswer(message *tgbotapi.Message, answer string) {
	for i, chunk := range splitMessage(answer, maxMessageLen) {
		rendered := markdown.ToTelegramHTML(chunk)
		if rendered == "" {
			continue
		}
		msg := tgbotapi.NewMessage(message.Chat.ID, rendered)
		msg.ParseMode = tgbotapi.ModeHTML
		if i == 0 {
			msg.ReplyToMessageID = message.MessageID
		}
		if _, err := h.bot.Send(msg); err != nil {
			h.logger.WithError(err).Warn("Failed to send HTML, falling back to plain text")
			msg.Text = markdown.StripTags(rendered)
			msg.ParseMode = ""
			if _, err := h.bot.Send(msg); err != nil {
				h.logger.WithError(err).WithField("chat_id", message.Chat.ID).Error("Failed to send answer")
				return
			}
		}
	}
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
