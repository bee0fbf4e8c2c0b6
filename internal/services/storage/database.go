package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/codec"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const keyCheckPlaintext = "yagpt-key-check"

// DatabaseRepository stores chat state in relational tables. Turn text is
// encrypted with the configured codec; everything else is plaintext.
type DatabaseRepository struct {
	db       *gorm.DB
	codec    codec.Codec
	maxTurns int
	locks    *chatLocks
	logger   *logrus.Logger
}

// OpenDatabase connects to the configured postgres or sqlite database.
func OpenDatabase(cfg config.DatabaseConfig, c codec.Codec, maxTurns int, logger *logrus.Logger) (*DatabaseRepository, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.PostgresDSN())
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %w", ErrStorageUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if cfg.Type == "sqlite" {
		// A single connection serializes sqlite writers instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	repo, err := NewDatabaseRepository(db, c, maxTurns, logger)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return repo, nil
}

// NewDatabaseRepository migrates the schema and verifies the encryption key
// against the stored canary.
func NewDatabaseRepository(db *gorm.DB, c codec.Codec, maxTurns int, logger *logrus.Logger) (*DatabaseRepository, error) {
	if err := db.AutoMigrate(&chatRecord{}, &turnRecord{}, &unlimitedRecord{}, &settingsRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrating schema: %w", ErrStorageUnavailable, err)
	}

	r := &DatabaseRepository{
		db:       db,
		codec:    c,
		maxTurns: maxTurns,
		locks:    newChatLocks(),
		logger:   logger,
	}
	if err := r.verifyKey(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *DatabaseRepository) verifyKey(ctx context.Context) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec settingsRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", settingsRowID).Take(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if rec.KeyCheck != "" {
			plain, err := r.codec.Decode(rec.KeyCheck)
			if err != nil || plain != keyCheckPlaintext {
				return fmt.Errorf("%w: stored key check does not decrypt", ErrEncryptionKeyMismatch)
			}
			return nil
		}

		check, err := r.codec.Encode(keyCheckPlaintext)
		if err != nil {
			return err
		}
		rec.ID = settingsRowID
		rec.KeyCheck = check
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	})
	return r.classify("verifying encryption key", err)
}

// classify tags untyped database errors as ErrStorageUnavailable.
func (r *DatabaseRepository) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrEncryptionKeyMismatch) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// loadTx reads one chat inside tx. found reports whether a chat row exists.
func (r *DatabaseRepository) loadTx(tx *gorm.DB, chatID int64, forUpdate bool) (*models.ChatState, bool, error) {
	state := models.NewChatState(chatID)

	q := tx
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rec chatRecord
	err := q.Where("chat_id = ?", chatID).Take(&rec).Error
	found := err == nil
	switch {
	case found:
		state.SystemPrompt = rec.SystemPrompt
		state.Title = rec.Title
		state.Usage = models.DailyUsage{Date: rec.UsageDate, TextCount: rec.TextCount, ImageCount: rec.ImageCount}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, err
	}

	var turns []turnRecord
	if err := tx.Where("chat_id = ?", chatID).Order("sent_at asc, id asc").Find(&turns).Error; err != nil {
		return nil, false, err
	}
	for _, t := range turns {
		plain, err := r.codec.Decode(t.Text)
		if err != nil {
			return nil, false, fmt.Errorf("%w: turn %d of chat %d: %v", ErrEncryptionKeyMismatch, t.ID, chatID, err)
		}
		if t.Digest != "" && codec.Digest(plain) != t.Digest {
			return nil, false, fmt.Errorf("%w: digest mismatch on turn %d of chat %d", ErrEncryptionKeyMismatch, t.ID, chatID)
		}
		state.History = append(state.History, models.Turn{
			Role:      models.Role(t.Role),
			Text:      plain,
			Timestamp: t.SentAt.UTC(),
		})
	}

	var unlimited int64
	if err := tx.Model(&unlimitedRecord{}).Where("chat_id = ?", chatID).Count(&unlimited).Error; err != nil {
		return nil, false, err
	}
	state.Unlimited = unlimited > 0
	return state, found, nil
}

// saveTx writes state inside tx. The turns table is reconciled against the
// trimmed history: rows whose identity or content no longer match are
// deleted, missing turns are encrypted and inserted.
func (r *DatabaseRepository) saveTx(tx *gorm.DB, state *models.ChatState) error {
	state = state.Clone()
	state.TrimHistory(r.maxTurns)

	rec := chatRecord{
		ChatID:       state.ChatID,
		SystemPrompt: state.SystemPrompt,
		Title:        state.Title,
		UsageDate:    state.Usage.Date,
		TextCount:    state.Usage.TextCount,
		ImageCount:   state.Usage.ImageCount,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"system_prompt", "title", "usage_date", "text_count", "image_count", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return err
	}

	wanted := make(map[string]models.Turn, len(state.History))
	order := make([]string, 0, len(state.History))
	for _, t := range state.History {
		k := t.Key()
		if _, dup := wanted[k]; dup {
			continue
		}
		wanted[k] = t
		order = append(order, k)
	}

	var existing []turnRecord
	if err := tx.Select("id", "chat_id", "sent_at", "role", "digest").Where("chat_id = ?", state.ChatID).Find(&existing).Error; err != nil {
		return err
	}
	var stale []uint
	for _, e := range existing {
		k := e.key()
		if t, ok := wanted[k]; ok && e.Digest == codec.Digest(t.Text) {
			delete(wanted, k)
			continue
		}
		stale = append(stale, e.ID)
	}
	if len(stale) > 0 {
		if err := tx.Where("id IN ?", stale).Delete(&turnRecord{}).Error; err != nil {
			return err
		}
	}

	var inserts []turnRecord
	for _, k := range order {
		t, ok := wanted[k]
		if !ok {
			continue
		}
		enc, err := r.codec.Encode(t.Text)
		if err != nil {
			return fmt.Errorf("encrypting turn: %w", err)
		}
		inserts = append(inserts, turnRecord{
			ChatID: state.ChatID,
			SentAt: t.Timestamp.UTC(),
			Role:   string(t.Role),
			Text:   enc,
			Digest: codec.Digest(t.Text),
		})
	}
	if len(inserts) > 0 {
		if err := tx.Create(&inserts).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *DatabaseRepository) Load(ctx context.Context, chatID int64) (*models.ChatState, error) {
	unlock := r.locks.lock(chatID)
	defer unlock()

	var state *models.ChatState
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		state, _, err = r.loadTx(tx, chatID, false)
		return err
	})
	if err != nil {
		return nil, r.classify("loading chat", err)
	}
	return state, nil
}

func (r *DatabaseRepository) Save(ctx context.Context, state *models.ChatState) error {
	unlock := r.locks.lock(state.ChatID)
	defer unlock()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.saveTx(tx, state)
	})
	return r.classify("saving chat", err)
}

func (r *DatabaseRepository) Update(ctx context.Context, chatID int64, fn Mutator) (*models.ChatState, error) {
	unlock := r.locks.lock(chatID)
	defer unlock()

	var (
		result *models.ChatState
		mutErr error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		state, _, err := r.loadTx(tx, chatID, true)
		if err != nil {
			return err
		}
		changed, err := fn(state)
		if err != nil {
			mutErr = err
			return err
		}
		if changed {
			state.TrimHistory(r.maxTurns)
			if err := r.saveTx(tx, state); err != nil {
				return err
			}
		}
		result = state
		return nil
	})
	if mutErr != nil {
		return nil, mutErr
	}
	if err != nil {
		return nil, r.classify("updating chat", err)
	}
	return result, nil
}

// ImportResult describes one imported chat.
type ImportResult struct {
	// Turns is the number of turns stored after trimming to the history bound.
	Turns int
	// Conflict reports that the target held divergent data beforehand.
	Conflict bool
}

// Import writes state as authoritative.
func (r *DatabaseRepository) Import(ctx context.Context, state *models.ChatState) (ImportResult, error) {
	unlock := r.locks.lock(state.ChatID)
	defer unlock()

	var result ImportResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := r.loadTx(tx, state.ChatID, true)
		if err != nil {
			return err
		}
		incoming := state.Clone()
		incoming.TrimHistory(r.maxTurns)
		result.Turns = len(incoming.History)
		result.Conflict = found && !sameChat(existing, incoming)
		return r.saveTx(tx, incoming)
	})
	if err != nil {
		return ImportResult{}, r.classify("importing chat", err)
	}
	return result, nil
}

func sameChat(a, b *models.ChatState) bool {
	if a.Usage != b.Usage || a.SystemPrompt != b.SystemPrompt || a.Title != b.Title {
		return false
	}
	if len(a.History) != len(b.History) {
		return false
	}
	for i := range a.History {
		if a.History[i].Key() != b.History[i].Key() || a.History[i].Text != b.History[i].Text {
			return false
		}
	}
	return true
}

func (r *DatabaseRepository) LoadGlobalSettings(ctx context.Context) (*models.GlobalSettings, error) {
	var rec settingsRecord
	err := r.db.WithContext(ctx).Where("id = ?", settingsRowID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.GlobalSettings{}, nil
	}
	if err != nil {
		return nil, r.classify("loading settings", err)
	}
	return &models.GlobalSettings{Language: models.Language(rec.Language)}, nil
}

func (r *DatabaseRepository) SaveGlobalSettings(ctx context.Context, settings *models.GlobalSettings) error {
	rec := settingsRecord{ID: settingsRowID, Language: string(settings.Language)}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"language", "updated_at"}),
	}).Create(&rec).Error
	return r.classify("saving settings", err)
}

func (r *DatabaseRepository) ListUnlimited(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&unlimitedRecord{}).Order("chat_id asc").Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, r.classify("listing unlimited chats", err)
	}
	return ids, nil
}

func (r *DatabaseRepository) IsUnlimited(ctx context.Context, chatID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&unlimitedRecord{}).Where("chat_id = ?", chatID).Count(&count).Error
	if err != nil {
		return false, r.classify("checking unlimited chat", err)
	}
	return count > 0, nil
}

func (r *DatabaseRepository) AddUnlimited(ctx context.Context, chatID int64) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&unlimitedRecord{ChatID: chatID})
	if res.Error != nil {
		return false, r.classify("adding unlimited chat", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *DatabaseRepository) RemoveUnlimited(ctx context.Context, chatID int64) (bool, error) {
	res := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Delete(&unlimitedRecord{})
	if res.Error != nil {
		return false, r.classify("removing unlimited chat", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *DatabaseRepository) Stats(ctx context.Context, day string) (*models.Stats, error) {
	var totals struct {
		TotalChats  int64
		TodayText   int64
		TodayImages int64
	}
	db := r.db.WithContext(ctx)
	err := db.Model(&chatRecord{}).Select(
		"COUNT(*) AS total_chats, "+
			"COALESCE(SUM(CASE WHEN usage_date = ? THEN text_count ELSE 0 END), 0) AS today_text, "+
			"COALESCE(SUM(CASE WHEN usage_date = ? THEN image_count ELSE 0 END), 0) AS today_images",
		day, day,
	).Scan(&totals).Error
	if err != nil {
		return nil, r.classify("aggregating stats", err)
	}

	var turns, unlimited int64
	if err := db.Model(&turnRecord{}).Count(&turns).Error; err != nil {
		return nil, r.classify("counting turns", err)
	}
	if err := db.Model(&unlimitedRecord{}).Count(&unlimited).Error; err != nil {
		return nil, r.classify("counting unlimited chats", err)
	}

	return &models.Stats{
		Day:            day,
		TotalChats:     int(totals.TotalChats),
		UnlimitedChats: int(unlimited),
		TodayText:      int(totals.TodayText),
		TodayImages:    int(totals.TodayImages),
		TotalTurns:     int(turns),
	}, nil
}

// Counts returns raw row counts per table, used to verify migrations.
func (r *DatabaseRepository) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for name, model := range map[string]interface{}{
		"chats":           &chatRecord{},
		"turns":           &turnRecord{},
		"unlimited_chats": &unlimitedRecord{},
		"settings":        &settingsRecord{},
	} {
		var n int64
		if err := r.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
			return nil, r.classify("counting "+name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

func (r *DatabaseRepository) Backend() string {
	return "database"
}

func (r *DatabaseRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
