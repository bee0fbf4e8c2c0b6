package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/yagpt-tgbot-go/internal/models"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

var tags = map[models.Language]string{
	models.English: "en",
	models.Russian: "ru",
}

// Localizer manages internationalization
type Localizer struct {
	bundle     *i18n.Bundle
	localizers map[models.Language]*i18n.Localizer
}

// NewLocalizer loads the embedded english and russian message files.
// English is the fallback for missing translations.
func NewLocalizer() (*Localizer, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	localizers := make(map[models.Language]*i18n.Localizer)
	for lang, tag := range tags {
		if _, err := bundle.LoadMessageFileFS(localeFS, fmt.Sprintf("locales/%s.json", tag)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", tag, err)
		}
		localizers[lang] = i18n.NewLocalizer(bundle, tag, "en")
	}

	return &Localizer{
		bundle:     bundle,
		localizers: localizers,
	}, nil
}

// Get returns localized message
func (l *Localizer) Get(lang models.Language, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[models.English]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if msg == "" && err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome            = "welcome"
	MsgHelp               = "help"
	MsgUsageAsk           = "usage_ask"
	MsgUsageImage         = "usage_image"
	MsgUsageSetPrompt     = "usage_setprompt"
	MsgQuestionTooLong    = "question_too_long"
	MsgQuotaTextExceeded  = "quota_text_exceeded"
	MsgQuotaImageExceeded = "quota_image_exceeded"
	MsgRateLimited        = "rate_limited"
	MsgStorageUnavailable = "storage_unavailable"
	MsgUpstreamError      = "upstream_error"
	MsgImageError         = "image_error"
	MsgSetPromptDenied    = "setprompt_denied"
	MsgSetPromptDone      = "setprompt_done"
	MsgResetDone          = "reset_done"
	MsgGeneratingImage    = "generating_image"

	MsgAdminPanelTitle      = "admin_panel_title"
	MsgAdminPanelWelcome    = "admin_panel_welcome"
	MsgBtnUnlimitedUsers    = "btn_unlimited_users"
	MsgBtnStatistics        = "btn_statistics"
	MsgBtnAddUser           = "btn_add_user"
	MsgBtnRemoveUser        = "btn_remove_user"
	MsgBtnLanguage          = "btn_language"
	MsgBtnBack              = "btn_back"
	MsgAccessDenied         = "access_denied"
	MsgLanguageTitle        = "language_title"
	MsgLanguageDescription  = "language_description"
	MsgBtnEnglish           = "btn_english"
	MsgBtnRussian           = "btn_russian"
	MsgLanguageChanged      = "language_changed"
	MsgAddUserTitle         = "add_user_title"
	MsgAddUserDescription   = "add_user_description"
	MsgConfirmAddUser       = "confirm_add_user"
	MsgBtnYes               = "btn_yes"
	MsgBtnNo                = "btn_no"
	MsgInvalidID            = "invalid_id"
	MsgUserAdded            = "user_added"
	MsgUserAlreadyUnlimited = "user_already_unlimited"
	MsgRemoveUserTitle      = "remove_user_title"
	MsgRemoveUserSelect     = "remove_user_select"
	MsgConfirmRemoveUser    = "confirm_remove_user"
	MsgUserRemoved          = "user_removed"
	MsgUserNotUnlimited     = "user_not_unlimited"
	MsgToggleOn             = "toggle_on"
	MsgToggleOff            = "toggle_off"
	MsgUnlimitedUsersTitle  = "unlimited_users_title"
	MsgUnlimitedUsersEmpty  = "unlimited_users_empty"
	MsgInvalidSelection     = "invalid_selection"
	MsgGeneralError         = "general_error"
	MsgStatsTitle           = "stats_title"
	MsgStatsTotalChats      = "stats_total_chats"
	MsgStatsUnlimitedChats  = "stats_unlimited_chats"
	MsgStatsTotalMessages   = "stats_total_messages"
	MsgStatsTodayRequests   = "stats_today_requests"
	MsgStatsTodayImages     = "stats_today_images"
)
