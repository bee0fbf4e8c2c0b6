package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/codec"
)

var (
	// ErrStorageUnavailable marks a transient backend failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageCorrupt marks an unreadable state document.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrEncryptionKeyMismatch marks ciphertext that the configured key cannot open.
	ErrEncryptionKeyMismatch = errors.New("encryption key mismatch")
	// ErrMigrationConflict marks divergent data already present in the target.
	ErrMigrationConflict = errors.New("migration conflict")
)

// Mutator edits a chat state in place and reports whether it changed.
// Returning false skips the write.
type Mutator func(state *models.ChatState) (bool, error)

// Repository is the persistence contract for chat state, the unlimited-access
// set and global settings. Every method is atomic with respect to one chat.
type Repository interface {
	// Load returns a fresh state for unknown chats.
	Load(ctx context.Context, chatID int64) (*models.ChatState, error)
	Save(ctx context.Context, state *models.ChatState) error
	// Update runs fn as one read-modify-write critical section for the chat.
	Update(ctx context.Context, chatID int64, fn Mutator) (*models.ChatState, error)

	LoadGlobalSettings(ctx context.Context) (*models.GlobalSettings, error)
	SaveGlobalSettings(ctx context.Context, settings *models.GlobalSettings) error

	ListUnlimited(ctx context.Context) ([]int64, error)
	IsUnlimited(ctx context.Context, chatID int64) (bool, error)
	AddUnlimited(ctx context.Context, chatID int64) (bool, error)
	RemoveUnlimited(ctx context.Context, chatID int64) (bool, error)

	Stats(ctx context.Context, day string) (*models.Stats, error)

	Backend() string
	Close() error
}

// Open builds the backend selected by cfg.Storage.UseDatabase.
func Open(cfg *config.Config, logger *logrus.Logger) (Repository, error) {
	maxTurns := cfg.Context.MaxHistoryTurns
	if !cfg.Storage.UseDatabase {
		return NewFileRepository(cfg.Storage.StatePath(), cfg.Storage.UnlimitedPath(), maxTurns, logger)
	}

	c, err := codec.New(cfg.Storage.Database.EncryptionKey)
	if err != nil {
		return nil, err
	}
	repo, err := OpenDatabase(cfg.Storage.Database, c, maxTurns, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return repo, nil
}
