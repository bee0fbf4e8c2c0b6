package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/yagpt-tgbot-go/internal/clock"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// History is the bounded per-chat turn buffer used to build model context.
type History struct {
	repo          storage.Repository
	maxTurns      int
	defaultPrompt string
	clock         clock.Clock
}

func NewHistory(repo storage.Repository, maxTurns int, defaultPrompt string, clk clock.Clock) *History {
	return &History{repo: repo, maxTurns: maxTurns, defaultPrompt: defaultPrompt, clock: clk}
}

// Append adds a turn stamped with the current time and evicts the oldest
// turns beyond the bound. Timestamps within a chat are kept strictly
// increasing so every turn has a distinct identity.
func (h *History) Append(ctx context.Context, chatID int64, role models.Role, text string) (models.Turn, error) {
	var appended models.Turn
	_, err := h.repo.Update(ctx, chatID, func(state *models.ChatState) (bool, error) {
		turn := models.NewTurn(role, text, h.clock.Now())
		if n := len(state.History); n > 0 {
			last := state.History[n-1].Timestamp
			if !turn.Timestamp.After(last) {
				turn.Timestamp = last.Add(time.Microsecond)
			}
		}
		state.History = append(state.History, turn)
		state.TrimHistory(h.maxTurns)
		appended = turn
		return true, nil
	})
	if err != nil {
		return models.Turn{}, fmt.Errorf("appending turn for chat %d: %w", chatID, err)
	}
	return appended, nil
}

// Read returns the chat's turns oldest first.
func (h *History) Read(ctx context.Context, chatID int64) ([]models.Turn, error) {
	state, err := h.repo.Load(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("reading history for chat %d: %w", chatID, err)
	}
	return state.History, nil
}

// Context returns the effective system prompt together with the history.
func (h *History) Context(ctx context.Context, chatID int64) (string, []models.Turn, error) {
	state, err := h.repo.Load(ctx, chatID)
	if err != nil {
		return "", nil, fmt.Errorf("reading history for chat %d: %w", chatID, err)
	}
	return h.effectivePrompt(state), state.History, nil
}

func (h *History) effectivePrompt(state *models.ChatState) string {
	if state.SystemPrompt != "" {
		return state.SystemPrompt
	}
	return h.defaultPrompt
}

// Reset clears the history and restores the default prompt.
func (h *History) Reset(ctx context.Context, chatID int64) error {
	_, err := h.repo.Update(ctx, chatID, func(state *models.ChatState) (bool, error) {
		state.History = []models.Turn{}
		state.SystemPrompt = ""
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("resetting chat %d: %w", chatID, err)
	}
	return nil
}

// SetSystemPrompt overrides the chat's prompt and starts a fresh history.
func (h *History) SetSystemPrompt(ctx context.Context, chatID int64, prompt string) error {
	_, err := h.repo.Update(ctx, chatID, func(state *models.ChatState) (bool, error) {
		state.SystemPrompt = prompt
		state.History = []models.Turn{}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("setting prompt for chat %d: %w", chatID, err)
	}
	return nil
}

// SetTitle records the chat's display name when it changed.
func (h *History) SetTitle(ctx context.Context, chatID int64, title string) error {
	_, err := h.repo.Update(ctx, chatID, func(state *models.ChatState) (bool, error) {
		if title == "" || state.Title == title {
			return false, nil
		}
		state.Title = title
		return true, nil
	})
	return err
}
