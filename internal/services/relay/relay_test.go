package relay

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yagpt-tgbot-go/internal/clock"
	"github.com/yagpt-tgbot-go/internal/middleware"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/access"
	"github.com/yagpt-tgbot-go/internal/services/ai"
	"github.com/yagpt-tgbot-go/internal/services/conversation"
	"github.com/yagpt-tgbot-go/internal/services/quota"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

type fakeLLM struct {
	err     error
	answer  string
	prompts []string
	seen    [][]models.Turn
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt string, history []models.Turn) (string, error) {
	f.prompts = append(f.prompts, systemPrompt)
	f.seen = append(f.seen, append([]models.Turn(nil), history...))
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeImages struct {
	err   error
	calls int
}

func (f *fakeImages) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png:" + prompt), nil
}

type fixture struct {
	svc      *Service
	repo     *storage.FileRepository
	registry *access.Registry
	llm      *fakeLLM
	images   *fakeImages
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setup(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()
	repo, err := storage.NewFileRepository(filepath.Join(dir, "state.json"), filepath.Join(dir, "unlimited.txt"), 4, logger)
	require.NoError(t, err)

	clk := clock.NewMock(time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC))
	tracker := quota.NewTracker(repo, limits, clk, time.UTC, logger)
	history := conversation.NewHistory(repo, 4, "default prompt", clk)
	registry := access.NewRegistry(repo, logger)
	llm := &fakeLLM{answer: "answer"}
	images := &fakeImages{}

	svc := NewService(tracker, history, registry, llm, images, 10, middleware.NewMetrics(), logger)
	return &fixture{svc: svc, repo: repo, registry: registry, llm: llm, images: images}
}

func TestAskRecordsBothTurns(t *testing.T) {
	f := setup(t, quota.Limits{Text: 5, Image: 1})
	ctx := context.Background()

	answer, err := f.svc.Ask(ctx, 1, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)

	require.Len(t, f.llm.seen, 1)
	assert.Equal(t, "default prompt", f.llm.prompts[0])
	require.Len(t, f.llm.seen[0], 1)
	assert.Equal(t, "hello", f.llm.seen[0][0].Text)

	state, err := f.repo.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, state.History, 2)
	assert.Equal(t, models.RoleUser, state.History[0].Role)
	assert.Equal(t, models.RoleAssistant, state.History[1].Role)
	assert.Equal(t, 1, state.Usage.TextCount)
}

func TestAskRejectsBadInputWithoutConsuming(t *testing.T) {
	f := setup(t, quota.Limits{Text: 5, Image: 1})
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, 1, "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = f.svc.Ask(ctx, 1, "this question is too long")
	var tooLong *TooLongError
	require.True(t, errors.As(err, &tooLong))
	assert.Equal(t, 10, tooLong.Max)

	state, err := f.repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, state.Usage.TextCount)
	assert.Empty(t, f.llm.seen)
}

func TestAskDeniedAfterLimit(t *testing.T) {
	f := setup(t, quota.Limits{Text: 1, Image: 1})
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, 1, "one")
	require.NoError(t, err)

	_, err = f.svc.Ask(ctx, 1, "two")
	var exceeded *quota.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 1, exceeded.Limit)
	assert.Len(t, f.llm.seen, 1, "denied requests never reach the model")

	history, err := f.repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, history.History, 2)
}

func TestFailedModelCallKeepsQuotaConsumed(t *testing.T) {
	f := setup(t, quota.Limits{Text: 2, Image: 1})
	f.llm.err = ai.ErrUpstream
	ctx := context.Background()

	_, err := f.svc.Ask(ctx, 1, "hello")
	assert.ErrorIs(t, err, ai.ErrUpstream)

	state, err := f.repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Usage.TextCount)
	require.Len(t, state.History, 1)
	assert.Equal(t, models.RoleUser, state.History[0].Role)
}

func TestUnlimitedChatIsNotCounted(t *testing.T) {
	f := setup(t, quota.Limits{Text: 1, Image: 1})
	ctx := context.Background()
	_, err := f.registry.Add(ctx, 7)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.svc.Ask(ctx, 7, "q")
		require.NoError(t, err)
	}
	state, err := f.repo.Load(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, state.Usage.TextCount)
}

func TestImageUsesImageQuota(t *testing.T) {
	f := setup(t, quota.Limits{Text: 1, Image: 1})
	ctx := context.Background()

	image, err := f.svc.Image(ctx, 1, "cat")
	require.NoError(t, err)
	assert.Equal(t, []byte("png:cat"), image)

	_, err = f.svc.Image(ctx, 1, "dog")
	var exceeded *quota.ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, models.KindImage, exceeded.Kind)
	assert.Equal(t, 1, f.images.calls)

	_, err = f.svc.Ask(ctx, 1, "still ok")
	assert.NoError(t, err, "text quota is independent")
}

func TestSetPromptPermissions(t *testing.T) {
	f := setup(t, quota.Limits{Text: 5, Image: 1})
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SetPrompt(ctx, 1, false, "pirate"), ErrNotPermitted)

	require.NoError(t, f.svc.SetPrompt(ctx, 1, true, "pirate"))
	_, err := f.svc.Ask(ctx, 1, "hi")
	require.NoError(t, err)
	assert.Equal(t, "pirate", f.llm.prompts[0])

	_, err = f.registry.Add(ctx, 2)
	require.NoError(t, err)
	assert.NoError(t, f.svc.SetPrompt(ctx, 2, false, "poet"))

	require.NoError(t, f.svc.Reset(ctx, 1))
	state, err := f.repo.Load(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, state.History)
	assert.Empty(t, state.SystemPrompt)
}
