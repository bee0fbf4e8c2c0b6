package handlers

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/yagpt-tgbot-go/internal/services/admin"
	"github.com/yagpt-tgbot-go/pkg/logger"
)

func (h *Handler) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Answer callback to remove loading state
	if _, err := h.bot.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		h.logger.WithError(err).Debug("Failed to answer callback")
	}

	if callback.From == nil || callback.Message == nil || callback.Message.Chat == nil || !admin.IsCallback(callback.Data) {
		return
	}

	chatID := callback.Message.Chat.ID
	parts := strings.SplitN(callback.Data, ":", 3)
	if len(parts) >= 2 {
		h.metrics.RecordAdminAction(parts[1])
	}

	view, err := h.panel.HandleCallback(ctx, admin.Request{
		CallerID: callback.From.ID,
		ChatID:   chatID,
		Data:     callback.Data,
	})
	if err != nil {
		logger.WithContext(h.logger, chatID, callback.From.ID).WithError(err).Error("Admin callback failed")
	}

	h.editView(chatID, callback.Message.MessageID, view)
}

func keyboard(view admin.View) *tgbotapi.InlineKeyboardMarkup {
	if len(view.Buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(view.Buttons))
	for _, row := range view.Buttons {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func (h *Handler) sendView(chatID int64, view admin.View) {
	if view.Text == "" {
		return
	}
	msg := tgbotapi.NewMessage(chatID, view.Text)
	if markup := keyboard(view); markup != nil {
		msg.ReplyMarkup = *markup
	}
	if _, err := h.bot.Send(msg); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to send admin view")
	}
}

func (h *Handler) editView(chatID int64, messageID int, view admin.View) {
	if view.Text == "" {
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, view.Text)
	edit.ReplyMarkup = keyboard(view)
	if _, err := h.bot.Send(edit); err != nil {
		// Editing fails when the text is unchanged; send a fresh message.
		h.logger.WithError(err).Debug("Failed to edit admin view")
		h.sendView(chatID, view)
	}
}
