package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yagpt-tgbot-go/internal/models"
)

func TestGetPerLanguage(t *testing.T) {
	l, err := NewLocalizer()
	require.NoError(t, err)

	assert.Equal(t, "« Back", l.Get(models.English, MsgBtnBack, nil))
	assert.Equal(t, "« Назад", l.Get(models.Russian, MsgBtnBack, nil))
}

func TestGetRendersTemplateData(t *testing.T) {
	l, err := NewLocalizer()
	require.NoError(t, err)

	msg := l.Get(models.English, MsgUserAdded, map[string]interface{}{"ChatID": int64(42)})
	assert.Equal(t, "✅ Chat 42 has been added to the unlimited list.", msg)
}

func TestGetFallsBack(t *testing.T) {
	l, err := NewLocalizer()
	require.NoError(t, err)

	assert.Equal(t, l.Get(models.English, MsgHelp, nil), l.Get("klingon", MsgHelp, nil))
	assert.Equal(t, "no_such_message", l.Get(models.Russian, "no_such_message", nil))
}
