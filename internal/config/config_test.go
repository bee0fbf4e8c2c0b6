package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Limits.DailyLimit)
	assert.Equal(t, 5, cfg.Limits.ImageGenerationLimit)
	assert.Equal(t, 20, cfg.Context.MaxHistoryTurns)
	assert.Equal(t, 4000, cfg.Context.MaxQuestionLen)
	assert.Equal(t, "english", cfg.I18n.DefaultLanguage)
	assert.Equal(t, "memory", cfg.Sessions.Type)
	assert.Equal(t, time.Hour, cfg.Sessions.TTL)
	assert.False(t, cfg.Storage.UseDatabase)
	assert.Equal(t, "data/state.json", cfg.Storage.StatePath())
	assert.Equal(t, "data/unlimited_chats.txt", cfg.Storage.UnlimitedPath())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
bot:
  admin_ids: [1, 2]
limits:
  daily_limit: 3
storage:
  use_database: true
  database:
    type: sqlite
    path: /tmp/x.db
`)
	t.Setenv("DB_ENCRYPTION_KEY", "secret")
	t.Setenv("IMAGE_GENERATION_LIMIT", "7")
	t.Setenv("ADMIN_CHAT_IDS", "10, 20")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Limits.DailyLimit)
	assert.Equal(t, 7, cfg.Limits.ImageGenerationLimit)
	assert.Equal(t, "secret", cfg.Storage.Database.EncryptionKey)
	assert.Equal(t, []int64{10, 20}, cfg.Bot.AdminIDs)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"negative limit":     "limits:\n  daily_limit: -1\n",
		"unknown language":   "i18n:\n  default_language: klingon\n",
		"missing key":        "storage:\n  use_database: true\n",
		"unknown db type":    "storage:\n  use_database: true\n  database:\n    type: oracle\n    encryption_key: k\n",
		"unknown sessions":   "sessions:\n  type: memcached\n",
		"zero history bound": "context:\n  max_history_turns: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPostgresDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "bot", Password: "pw", DBName: "yagptbot", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=bot password=pw dbname=yagptbot sslmode=disable", d.PostgresDSN())

	d.DSN = "postgres://override"
	assert.Equal(t, "postgres://override", d.PostgresDSN())
}
