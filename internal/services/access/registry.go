package access

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// Registry is the set of chats exempt from daily limits. It reads through to
// the repository on every call so a change is visible to the next check.
type Registry struct {
	repo   storage.Repository
	logger *logrus.Logger
}

func NewRegistry(repo storage.Repository, logger *logrus.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

// Add is a no-op for present members.
func (r *Registry) Add(ctx context.Context, chatID int64) (bool, error) {
	added, err := r.repo.AddUnlimited(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("adding unlimited chat %d: %w", chatID, err)
	}
	if added {
		r.logger.WithField("chat_id", chatID).Info("Chat granted unlimited access")
	}
	return added, nil
}

// Remove is a no-op for absent members.
func (r *Registry) Remove(ctx context.Context, chatID int64) (bool, error) {
	removed, err := r.repo.RemoveUnlimited(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("removing unlimited chat %d: %w", chatID, err)
	}
	if removed {
		r.logger.WithField("chat_id", chatID).Info("Chat unlimited access revoked")
	}
	return removed, nil
}

func (r *Registry) Contains(ctx context.Context, chatID int64) (bool, error) {
	return r.repo.IsUnlimited(ctx, chatID)
}

// List returns members in ascending order.
func (r *Registry) List(ctx context.Context) ([]int64, error) {
	return r.repo.ListUnlimited(ctx)
}

// Toggle adds the chat if absent, removes it otherwise, and returns the new status.
func (r *Registry) Toggle(ctx context.Context, chatID int64) (bool, error) {
	present, err := r.Contains(ctx, chatID)
	if err != nil {
		return false, err
	}
	if present {
		_, err = r.Remove(ctx, chatID)
		return false, err
	}
	_, err = r.Add(ctx, chatID)
	return err == nil, err
}
