package handlers

import (
	"errors"

	"github.com/yagpt-tgbot-go/internal/i18n"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/ai"
	"github.com/yagpt-tgbot-go/internal/services/quota"
	"github.com/yagpt-tgbot-go/internal/services/relay"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// errorText maps a failure to a localized message. upstream is the message
// used for remote model failures.
func (h *Handler) errorText(err error, upstream string) string {
	var exceeded *quota.ExceededError
	var tooLong *relay.TooLongError

	switch {
	case errors.As(err, &exceeded):
		id := i18n.MsgQuotaTextExceeded
		if exceeded.Kind == models.KindImage {
			id = i18n.MsgQuotaImageExceeded
		}
		hours := int(exceeded.ResetIn.Hours())
		minutes := int(exceeded.ResetIn.Minutes()) % 60
		return h.text(id, map[string]interface{}{
			"Limit":   exceeded.Limit,
			"Hours":   hours,
			"Minutes": minutes,
		})
	case errors.As(err, &tooLong):
		return h.text(i18n.MsgQuestionTooLong, map[string]interface{}{"MaxLen": tooLong.Max})
	case errors.Is(err, relay.ErrNotPermitted):
		return h.text(i18n.MsgSetPromptDenied, nil)
	case errors.Is(err, storage.ErrStorageUnavailable):
		return h.text(i18n.MsgStorageUnavailable, nil)
	case errors.Is(err, ai.ErrUpstream):
		return h.text(upstream, nil)
	default:
		return h.text(i18n.MsgGeneralError, nil)
	}
}
