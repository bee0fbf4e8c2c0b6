package migration

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// Source yields the complete file-backed state.
type Source interface {
	Snapshot(ctx context.Context) (*storage.Snapshot, error)
}

// Target accepts authoritative chat imports.
type Target interface {
	Import(ctx context.Context, state *models.ChatState) (storage.ImportResult, error)
	AddUnlimited(ctx context.Context, chatID int64) (bool, error)
	LoadGlobalSettings(ctx context.Context) (*models.GlobalSettings, error)
	SaveGlobalSettings(ctx context.Context, settings *models.GlobalSettings) error
}

// Report summarizes one run.
type Report struct {
	Chats            int
	Turns            int
	Conflicts        int
	UnlimitedAdded   int
	UnlimitedPresent int
	SettingsCopied   bool
}

// Migrator copies file state into the database. Re-running it converges on
// the same rows: chats are upserted by id and turns by (chat, timestamp,
// role). The source file is never modified.
type Migrator struct {
	source Source
	target Target
	logger *logrus.Logger
}

func NewMigrator(source Source, target Target, logger *logrus.Logger) *Migrator {
	return &Migrator{source: source, target: target, logger: logger}
}

func (m *Migrator) Run(ctx context.Context) (*Report, error) {
	snap, err := m.source.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}

	report := &Report{}
	for _, state := range snap.Chats {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := m.target.Import(ctx, state)
		if err != nil {
			return report, fmt.Errorf("importing chat %d: %w", state.ChatID, err)
		}
		report.Chats++
		report.Turns += result.Turns
		if result.Conflict {
			report.Conflicts++
			m.logger.WithError(storage.ErrMigrationConflict).WithField("chat_id", state.ChatID).
				Warn("Target held divergent data for chat, overwritten with file version")
		}
	}

	for _, id := range snap.Unlimited {
		added, err := m.target.AddUnlimited(ctx, id)
		if err != nil {
			return report, fmt.Errorf("copying unlimited chat %d: %w", id, err)
		}
		if added {
			report.UnlimitedAdded++
		} else {
			report.UnlimitedPresent++
		}
	}

	if snap.Settings.Language.Valid() {
		current, err := m.target.LoadGlobalSettings(ctx)
		if err != nil {
			return report, fmt.Errorf("reading target settings: %w", err)
		}
		if current.Language != snap.Settings.Language {
			settings := snap.Settings
			if err := m.target.SaveGlobalSettings(ctx, &settings); err != nil {
				return report, fmt.Errorf("copying settings: %w", err)
			}
			report.SettingsCopied = true
		}
	}

	m.logger.WithFields(logrus.Fields{
		"chats":             report.Chats,
		"turns":             report.Turns,
		"conflicts":         report.Conflicts,
		"unlimited_added":   report.UnlimitedAdded,
		"unlimited_present": report.UnlimitedPresent,
		"settings_copied":   report.SettingsCopied,
	}).Info("Migration finished")
	return report, nil
}
