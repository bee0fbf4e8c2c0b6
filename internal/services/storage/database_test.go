package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/codec"
)

func sqliteConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	return config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}
}

func setupDatabaseRepo(t *testing.T, key string, maxTurns int) (*DatabaseRepository, config.DatabaseConfig) {
	t.Helper()
	cfg := sqliteConfig(t)
	c, err := codec.New(key)
	require.NoError(t, err)
	repo, err := OpenDatabase(cfg, c, maxTurns, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, cfg
}

func turnsAt(base time.Time, texts ...string) []models.Turn {
	turns := make([]models.Turn, 0, len(texts))
	for i, text := range texts {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		turns = append(turns, models.NewTurn(role, text, base.Add(time.Duration(i)*time.Second)))
	}
	return turns
}

func TestDatabaseLoadUnknownChatIsFresh(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)

	state, err := repo.Load(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), state.ChatID)
	assert.Empty(t, state.History)
	assert.False(t, state.Unlimited)
}

func TestDatabaseSaveLoadRoundTrip(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 3)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	state := &models.ChatState{
		ChatID:       5,
		Usage:        models.DailyUsage{Date: "2026-10-17", TextCount: 2, ImageCount: 1},
		History:      turnsAt(base, "q1", "a1", "q2", "a2", "q3"),
		SystemPrompt: "pirate voice",
		Title:        "@someone",
	}
	require.NoError(t, repo.Save(ctx, state))

	loaded, err := repo.Load(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, state.Usage, loaded.Usage)
	assert.Equal(t, "pirate voice", loaded.SystemPrompt)
	assert.Equal(t, "@someone", loaded.Title)
	require.Len(t, loaded.History, 3)
	assert.Equal(t, []string{"q2", "a2", "q3"}, []string{loaded.History[0].Text, loaded.History[1].Text, loaded.History[2].Text})
	assert.True(t, loaded.History[0].Timestamp.Equal(base.Add(2*time.Second)))

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["turns"])
}

func TestDatabaseTurnTextIsEncryptedAtRest(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.ChatState{
		ChatID:  1,
		History: turnsAt(time.Now(), "top secret question"),
	}))

	var rows []turnRecord
	require.NoError(t, repo.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.NotContains(t, rows[0].Text, "top secret")
	assert.Equal(t, codec.Digest("top secret question"), rows[0].Digest)
}

func TestDatabaseWrongKeyIsFatal(t *testing.T) {
	repo, cfg := setupDatabaseRepo(t, "right", 10)
	require.NoError(t, repo.Save(context.Background(), &models.ChatState{ChatID: 1, History: turnsAt(time.Now(), "hi")}))
	require.NoError(t, repo.Close())

	wrong, err := codec.New("wrong")
	require.NoError(t, err)
	_, err = OpenDatabase(cfg, wrong, 10, testLogger())
	assert.ErrorIs(t, err, ErrEncryptionKeyMismatch)
}

func TestDatabaseUpdateIsAtomicPerChat(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()
	const limit = 5

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var ok bool
			_, err := repo.Update(ctx, 77, func(s *models.ChatState) (bool, error) {
				s.RollOver("2026-10-17")
				if s.Usage.TextCount >= limit {
					return false, nil
				}
				s.Increment(models.KindText)
				ok = true
				return true, nil
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, allowed)
	state, err := repo.Load(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, limit, state.Usage.TextCount)
}

func TestDatabaseUnlimitedIdempotence(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()

	added, err := repo.AddUnlimited(ctx, 3)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = repo.AddUnlimited(ctx, 3)
	require.NoError(t, err)
	assert.False(t, added)

	ids, err := repo.ListUnlimited(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)

	state, err := repo.Load(ctx, 3)
	require.NoError(t, err)
	assert.True(t, state.Unlimited)

	removed, err := repo.RemoveUnlimited(ctx, 3)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = repo.RemoveUnlimited(ctx, 3)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDatabaseGlobalSettings(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()

	settings, err := repo.LoadGlobalSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Language(""), settings.Language)

	require.NoError(t, repo.SaveGlobalSettings(ctx, &models.GlobalSettings{Language: models.Russian}))
	settings, err = repo.LoadGlobalSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Russian, settings.Language)

	// The key canary must survive settings writes.
	require.NoError(t, repo.verifyKey(ctx))
}

func TestDatabaseStats(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.ChatState{ChatID: 1, Usage: models.DailyUsage{Date: "2026-10-17", TextCount: 4, ImageCount: 2}, History: turnsAt(time.Now(), "a", "b")}))
	require.NoError(t, repo.Save(ctx, &models.ChatState{ChatID: 2, Usage: models.DailyUsage{Date: "2026-10-16", TextCount: 9}}))
	_, err := repo.AddUnlimited(ctx, 2)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, &models.Stats{Day: "2026-10-17", TotalChats: 2, UnlimitedChats: 1, TodayText: 4, TodayImages: 2, TotalTurns: 2}, stats)
}

func TestDatabaseImportReportsConflictsAndOverwrites(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	fresh := &models.ChatState{ChatID: 1, Usage: models.DailyUsage{Date: "2026-10-17", TextCount: 1}, History: turnsAt(base, "q", "a")}
	result, err := repo.Import(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, result.Conflict)
	assert.Equal(t, 2, result.Turns)

	result, err = repo.Import(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, result.Conflict)

	divergent := fresh.Clone()
	divergent.History[1].Text = "different answer"
	result, err = repo.Import(ctx, divergent)
	require.NoError(t, err)
	assert.True(t, result.Conflict)

	loaded, err := repo.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, loaded.History, 2)
	assert.Equal(t, "different answer", loaded.History[1].Text)

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["turns"])
}

func TestDatabaseImportCountsTrimmedTurns(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 2)
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	result, err := repo.Import(context.Background(), &models.ChatState{ChatID: 5, History: turnsAt(base, "q1", "a1", "q2", "a2", "q3")})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Turns)
}

func TestDatabaseClosedReportsUnavailable(t *testing.T) {
	repo, _ := setupDatabaseRepo(t, "k", 10)
	require.NoError(t, repo.Close())
	ctx := context.Background()

	_, err := repo.Load(ctx, 1)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = repo.Update(ctx, 1, func(state *models.ChatState) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = repo.ListUnlimited(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
