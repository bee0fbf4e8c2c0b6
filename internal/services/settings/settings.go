package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// Store caches GlobalSettings in memory. Reads never touch the repository;
// writes go through the repository first and then replace the cache.
type Store struct {
	mu       sync.RWMutex
	repo     storage.Repository
	current  models.GlobalSettings
	fallback models.Language
	logger   *logrus.Logger
}

// Load reads persisted settings, falling back to the configured language
// when none were saved yet.
func Load(ctx context.Context, repo storage.Repository, fallback models.Language, logger *logrus.Logger) (*Store, error) {
	stored, err := repo.LoadGlobalSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading global settings: %w", err)
	}

	s := &Store{repo: repo, current: *stored, fallback: fallback, logger: logger}
	if !s.current.Language.Valid() {
		s.current.Language = fallback
	}
	return s, nil
}

// Language returns the active interface language.
func (s *Store) Language() models.Language {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Language
}

// SetLanguage persists lang and makes it visible to all subsequent reads.
func (s *Store) SetLanguage(ctx context.Context, lang models.Language) error {
	if !lang.Valid() {
		return fmt.Errorf("unsupported language: %s", lang)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	next.Language = lang
	if err := s.repo.SaveGlobalSettings(ctx, &next); err != nil {
		return fmt.Errorf("saving global settings: %w", err)
	}
	s.current = next
	s.logger.WithField("language", lang).Info("Interface language changed")
	return nil
}
