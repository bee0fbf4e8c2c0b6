package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/models"
)

type fileDocument struct {
	Chats    map[int64]*models.ChatState `json:"chats"`
	Settings models.GlobalSettings       `json:"settings"`
}

func newFileDocument() *fileDocument {
	return &fileDocument{Chats: make(map[int64]*models.ChatState)}
}

// Snapshot is a consistent copy of everything the file backend holds.
type Snapshot struct {
	Chats     []*models.ChatState
	Settings  models.GlobalSettings
	Unlimited []int64
}

// FileRepository keeps all state in one JSON document plus the allow-list
// file. A single lock serializes every mutation because each write rewrites
// the whole document.
type FileRepository struct {
	mu        sync.RWMutex
	statePath string
	allowPath string
	maxTurns  int
	doc       *fileDocument
	unlimited map[int64]struct{}
	logger    *logrus.Logger
}

// NewFileRepository loads statePath and allowPath, creating neither until
// the first mutation.
func NewFileRepository(statePath, allowPath string, maxTurns int, logger *logrus.Logger) (*FileRepository, error) {
	r := &FileRepository{
		statePath: statePath,
		allowPath: allowPath,
		maxTurns:  maxTurns,
		unlimited: make(map[int64]struct{}),
		logger:    logger,
	}

	doc, err := r.readDocument()
	if err != nil {
		return nil, err
	}
	r.doc = doc

	ids, err := ReadAllowList(allowPath, logger)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.unlimited[id] = struct{}{}
	}

	logger.WithFields(logrus.Fields{
		"path":      statePath,
		"chats":     len(doc.Chats),
		"unlimited": len(ids),
	}).Info("File storage loaded")
	return r, nil
}

func (r *FileRepository) readDocument() (*fileDocument, error) {
	doc, err := loadDocument(r.statePath)
	if errors.Is(err, ErrStorageCorrupt) {
		r.quarantine(err)
		return newFileDocument(), nil
	}
	return doc, err
}

// loadDocument reads path without modifying it. A missing file is an empty
// document; an unparseable one is ErrStorageCorrupt.
func loadDocument(path string) (*fileDocument, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return newFileDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	doc, err := decodeDocument(data, info.ModTime())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStorageCorrupt, path, err)
	}
	return doc, nil
}

// quarantine moves an unparseable state file aside and logs the loss.
func (r *FileRepository) quarantine(cause error) {
	target := fmt.Sprintf("%s.corrupt-%d", r.statePath, time.Now().Unix())
	entry := r.logger.WithError(cause).WithField("path", r.statePath)
	if err := os.Rename(r.statePath, target); err != nil {
		entry.WithField("rename_error", err.Error()).Error("State file is corrupt, starting with empty state")
		return
	}
	entry.WithField("quarantined_to", target).Error("State file is corrupt, starting with empty state")
}

func decodeDocument(data []byte, modTime time.Time) (*fileDocument, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}

	_, hasChats := top["chats"]
	_, hasSettings := top["settings"]
	if !hasChats && !hasSettings && isLegacyDocument(top) {
		return convertLegacy(top, modTime)
	}

	doc := newFileDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Chats == nil {
		doc.Chats = make(map[int64]*models.ChatState)
	}
	for id, state := range doc.Chats {
		if state == nil {
			delete(doc.Chats, id)
			continue
		}
		state.ChatID = id
		if state.History == nil {
			state.History = []models.Turn{}
		}
	}
	return doc, nil
}

// persist must be called with mu held for writing.
func (r *FileRepository) persist() error {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := writeFileAtomic(r.statePath, data); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

func (r *FileRepository) current(chatID int64) *models.ChatState {
	var state *models.ChatState
	if stored, ok := r.doc.Chats[chatID]; ok {
		state = stored.Clone()
	} else {
		state = models.NewChatState(chatID)
	}
	state.ChatID = chatID
	_, state.Unlimited = r.unlimited[chatID]
	return state
}

// replace stores state and persists, restoring the previous value on failure.
func (r *FileRepository) replace(state *models.ChatState) error {
	stored := state.Clone()
	stored.TrimHistory(r.maxTurns)

	previous, existed := r.doc.Chats[state.ChatID]
	r.doc.Chats[state.ChatID] = stored
	if err := r.persist(); err != nil {
		if existed {
			r.doc.Chats[state.ChatID] = previous
		} else {
			delete(r.doc.Chats, state.ChatID)
		}
		return err
	}
	return nil
}

func (r *FileRepository) Load(ctx context.Context, chatID int64) (*models.ChatState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current(chatID), nil
}

func (r *FileRepository) Save(ctx context.Context, state *models.ChatState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replace(state)
}

func (r *FileRepository) Update(ctx context.Context, chatID int64, fn Mutator) (*models.ChatState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.current(chatID)
	changed, err := fn(state)
	if err != nil {
		return nil, err
	}
	if !changed {
		return state, nil
	}
	state.TrimHistory(r.maxTurns)
	if err := r.replace(state); err != nil {
		return nil, err
	}
	return state, nil
}

func (r *FileRepository) LoadGlobalSettings(ctx context.Context) (*models.GlobalSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	settings := r.doc.Settings
	return &settings, nil
}

func (r *FileRepository) SaveGlobalSettings(ctx context.Context, settings *models.GlobalSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.doc.Settings
	r.doc.Settings = *settings
	if err := r.persist(); err != nil {
		r.doc.Settings = previous
		return err
	}
	return nil
}

func (r *FileRepository) sortedUnlimited() []int64 {
	ids := make([]int64, 0, len(r.unlimited))
	for id := range r.unlimited {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *FileRepository) ListUnlimited(ctx context.Context) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedUnlimited(), nil
}

func (r *FileRepository) IsUnlimited(ctx context.Context, chatID int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.unlimited[chatID]
	return ok, nil
}

func (r *FileRepository) AddUnlimited(ctx context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.unlimited[chatID]; ok {
		return false, nil
	}
	r.unlimited[chatID] = struct{}{}
	if err := WriteAllowList(r.allowPath, r.sortedUnlimited()); err != nil {
		delete(r.unlimited, chatID)
		return false, fmt.Errorf("writing allow-list: %w", err)
	}
	return true, nil
}

func (r *FileRepository) RemoveUnlimited(ctx context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.unlimited[chatID]; !ok {
		return false, nil
	}
	delete(r.unlimited, chatID)
	if err := WriteAllowList(r.allowPath, r.sortedUnlimited()); err != nil {
		r.unlimited[chatID] = struct{}{}
		return false, fmt.Errorf("writing allow-list: %w", err)
	}
	return true, nil
}

func (r *FileRepository) Stats(ctx context.Context, day string) (*models.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.Stats{
		Day:            day,
		TotalChats:     len(r.doc.Chats),
		UnlimitedChats: len(r.unlimited),
	}
	for _, state := range r.doc.Chats {
		stats.TotalTurns += len(state.History)
		if state.Usage.Date == day {
			stats.TodayText += state.Usage.TextCount
			stats.TodayImages += state.Usage.ImageCount
		}
	}
	return stats, nil
}

// Snapshot copies the whole document for batch readers such as migration.
func (r *FileRepository) Snapshot(ctx context.Context) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Settings:  r.doc.Settings,
		Unlimited: r.sortedUnlimited(),
	}
	for id := range r.doc.Chats {
		snap.Chats = append(snap.Chats, r.current(id))
	}
	sort.Slice(snap.Chats, func(i, j int) bool { return snap.Chats[i].ChatID < snap.Chats[j].ChatID })
	return snap, nil
}

// SnapshotSource reads the state and allow-list files for a one-off batch
// reader. It never writes either file, and a corrupt state file is returned
// as ErrStorageCorrupt instead of being quarantined.
type SnapshotSource struct {
	StatePath string
	AllowPath string
	Logger    *logrus.Logger
}

func (s SnapshotSource) Snapshot(ctx context.Context) (*Snapshot, error) {
	doc, err := loadDocument(s.StatePath)
	if err != nil {
		return nil, err
	}
	ids, err := ReadAllowList(s.AllowPath, s.Logger)
	if err != nil {
		return nil, err
	}

	r := &FileRepository{doc: doc, unlimited: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		r.unlimited[id] = struct{}{}
	}
	return r.Snapshot(ctx)
}

func (r *FileRepository) Backend() string {
	return "file"
}

func (r *FileRepository) Close() error {
	return nil
}
