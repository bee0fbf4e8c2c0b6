package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yagpt-tgbot-go/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupFileRepo(t *testing.T, maxTurns int) (*FileRepository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := NewFileRepository(filepath.Join(dir, "state.json"), filepath.Join(dir, "unlimited_chats.txt"), maxTurns, testLogger())
	require.NoError(t, err)
	return repo, dir
}

func TestFileLoadUnknownChatIsFresh(t *testing.T) {
	repo, _ := setupFileRepo(t, 10)

	state, err := repo.Load(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.ChatID)
	assert.Empty(t, state.History)
	assert.Equal(t, models.DailyUsage{}, state.Usage)
}

func TestFileUpdatePersistsAcrossReopen(t *testing.T) {
	repo, dir := setupFileRepo(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

	_, err := repo.Update(ctx, 7, func(s *models.ChatState) (bool, error) {
		s.RollOver("2026-10-17")
		s.Increment(models.KindText)
		for i := 0; i < 5; i++ {
			s.History = append(s.History, models.NewTurn(models.RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
		}
		s.SystemPrompt = "be brief"
		return true, nil
	})
	require.NoError(t, err)
	require.NoError(t, repo.SaveGlobalSettings(ctx, &models.GlobalSettings{Language: models.Russian}))

	reopened, err := NewFileRepository(filepath.Join(dir, "state.json"), filepath.Join(dir, "unlimited_chats.txt"), 3, testLogger())
	require.NoError(t, err)

	state, err := reopened.Load(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Usage.TextCount)
	assert.Equal(t, "be brief", state.SystemPrompt)
	require.Len(t, state.History, 3)
	assert.Equal(t, "c", state.History[0].Text)
	assert.Equal(t, "e", state.History[2].Text)

	settings, err := reopened.LoadGlobalSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Russian, settings.Language)

	raw, err := os.ReadFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &top))
	assert.Contains(t, top, "chats")
	assert.Contains(t, top, "settings")
}

func TestFileUpdateUnchangedSkipsWrite(t *testing.T) {
	repo, dir := setupFileRepo(t, 3)

	_, err := repo.Update(context.Background(), 1, func(s *models.ChatState) (bool, error) {
		return false, nil
	})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "state.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileUpdateMutatorErrorLeavesStateUntouched(t *testing.T) {
	repo, _ := setupFileRepo(t, 3)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := repo.Update(ctx, 1, func(s *models.ChatState) (bool, error) {
		s.Increment(models.KindText)
		return true, boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Usage.TextCount)
}

func TestFileConcurrentUpdatesDoNotLoseIncrements(t *testing.T) {
	repo, _ := setupFileRepo(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(chat int64) {
			defer wg.Done()
			_, err := repo.Update(ctx, chat, func(s *models.ChatState) (bool, error) {
				s.Increment(models.KindText)
				return true, nil
			})
			assert.NoError(t, err)
		}(int64(i % 5))
	}
	wg.Wait()

	for chat := int64(0); chat < 5; chat++ {
		state, err := repo.Load(ctx, chat)
		require.NoError(t, err)
		assert.Equal(t, 10, state.Usage.TextCount)
	}
}

func TestFileWritesNeverExposePartialDocument(t *testing.T) {
	repo, dir := setupFileRepo(t, 50)
	ctx := context.Background()
	statePath := filepath.Join(dir, "state.json")
	big := strings.Repeat("x", 8192)

	_, err := repo.Update(ctx, 1, func(s *models.ChatState) (bool, error) { return true, nil })
	require.NoError(t, err)

	done := make(chan struct{})
	var readerErr error
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			data, err := os.ReadFile(statePath)
			if err != nil {
				readerErr = err
				return
			}
			var doc map[string]json.RawMessage
			if err := json.Unmarshal(data, &doc); err != nil {
				readerErr = err
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := repo.Update(ctx, int64(i), func(s *models.ChatState) (bool, error) {
			s.History = append(s.History, models.NewTurn(models.RoleUser, big, time.Now()))
			return true, nil
		})
		require.NoError(t, err)
	}
	<-done
	assert.NoError(t, readerErr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestFileCorruptDocumentIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"chats": {"1": {`), 0o644))

	repo, err := NewFileRepository(statePath, filepath.Join(dir, "unlimited.txt"), 10, testLogger())
	require.NoError(t, err)

	stats, err := repo.Stats(context.Background(), "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalChats)

	matches, err := filepath.Glob(statePath + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestFileLegacyDocumentIsConverted(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	legacy := `{
  "prompts": {"5": "custom prompt"},
  "daily_usage": {"5": ["2026-10-17", 3]},
  "image_usage": {"5": ["2026-10-17", 1], "6": ["2026-10-16", 2]},
  "histories": {"5": [
    {"role": "system", "text": "custom prompt"},
    {"role": "user", "text": "hi"},
    {"role": "assistant", "text": "hello"}
  ]}
}`
	require.NoError(t, os.WriteFile(statePath, []byte(legacy), 0o644))

	repo, err := NewFileRepository(statePath, filepath.Join(dir, "unlimited.txt"), 10, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	state, err := repo.Load(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "custom prompt", state.SystemPrompt)
	assert.Equal(t, models.DailyUsage{Date: "2026-10-17", TextCount: 3, ImageCount: 1}, state.Usage)
	require.Len(t, state.History, 2)
	assert.Equal(t, models.RoleUser, state.History[0].Role)
	assert.Equal(t, "hello", state.History[1].Text)
	assert.True(t, state.History[0].Timestamp.Before(state.History[1].Timestamp))

	other, err := repo.Load(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 2, other.Usage.ImageCount)

	again, err := NewFileRepository(statePath, filepath.Join(dir, "unlimited.txt"), 10, testLogger())
	require.NoError(t, err)
	reloaded, err := again.Load(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, state.History, reloaded.History)
}

func TestFileUnlimitedIsIdempotentAndVisible(t *testing.T) {
	repo, dir := setupFileRepo(t, 10)
	ctx := context.Background()

	added, err := repo.AddUnlimited(ctx, 9)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = repo.AddUnlimited(ctx, 9)
	require.NoError(t, err)
	assert.False(t, added)

	ids, err := repo.ListUnlimited(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids)

	state, err := repo.Load(ctx, 9)
	require.NoError(t, err)
	assert.True(t, state.Unlimited)

	raw, err := os.ReadFile(filepath.Join(dir, "unlimited_chats.txt"))
	require.NoError(t, err)
	assert.Equal(t, "9\n", string(raw))

	removed, err := repo.RemoveUnlimited(ctx, 9)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = repo.RemoveUnlimited(ctx, 9)
	require.NoError(t, err)
	assert.False(t, removed)

	ok, err := repo.IsUnlimited(ctx, 9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStatsCountsOnlyToday(t *testing.T) {
	repo, _ := setupFileRepo(t, 10)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &models.ChatState{ChatID: 1, Usage: models.DailyUsage{Date: "2026-10-17", TextCount: 2, ImageCount: 1}}))
	require.NoError(t, repo.Save(ctx, &models.ChatState{ChatID: 2, Usage: models.DailyUsage{Date: "2026-10-16", TextCount: 7}}))
	_, err := repo.AddUnlimited(ctx, 3)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, "2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChats)
	assert.Equal(t, 1, stats.UnlimitedChats)
	assert.Equal(t, 2, stats.TodayText)
	assert.Equal(t, 1, stats.TodayImages)
}
