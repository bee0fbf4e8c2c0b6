package middleware

import (
	"context"
	"time"

	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// InstrumentedRepository records count and latency of every storage call.
type InstrumentedRepository struct {
	storage.Repository
	metrics *Metrics
	backend string
}

func Instrument(repo storage.Repository, metrics *Metrics) *InstrumentedRepository {
	return &InstrumentedRepository{Repository: repo, metrics: metrics, backend: repo.Backend()}
}

func (r *InstrumentedRepository) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordStorageOperation(r.backend, op, status, time.Since(start))
}

func (r *InstrumentedRepository) Load(ctx context.Context, chatID int64) (*models.ChatState, error) {
	start := time.Now()
	state, err := r.Repository.Load(ctx, chatID)
	r.observe("load", start, err)
	return state, err
}

func (r *InstrumentedRepository) Save(ctx context.Context, state *models.ChatState) error {
	start := time.Now()
	err := r.Repository.Save(ctx, state)
	r.observe("save", start, err)
	return err
}

func (r *InstrumentedRepository) Update(ctx context.Context, chatID int64, fn storage.Mutator) (*models.ChatState, error) {
	start := time.Now()
	state, err := r.Repository.Update(ctx, chatID, fn)
	r.observe("update", start, err)
	return state, err
}

func (r *InstrumentedRepository) LoadGlobalSettings(ctx context.Context) (*models.GlobalSettings, error) {
	start := time.Now()
	settings, err := r.Repository.LoadGlobalSettings(ctx)
	r.observe("load_settings", start, err)
	return settings, err
}

func (r *InstrumentedRepository) SaveGlobalSettings(ctx context.Context, settings *models.GlobalSettings) error {
	start := time.Now()
	err := r.Repository.SaveGlobalSettings(ctx, settings)
	r.observe("save_settings", start, err)
	return err
}

func (r *InstrumentedRepository) ListUnlimited(ctx context.Context) ([]int64, error) {
	start := time.Now()
	ids, err := r.Repository.ListUnlimited(ctx)
	r.observe("list_unlimited", start, err)
	return ids, err
}

func (r *InstrumentedRepository) IsUnlimited(ctx context.Context, chatID int64) (bool, error) {
	start := time.Now()
	ok, err := r.Repository.IsUnlimited(ctx, chatID)
	r.observe("is_unlimited", start, err)
	return ok, err
}

func (r *InstrumentedRepository) AddUnlimited(ctx context.Context, chatID int64) (bool, error) {
	start := time.Now()
	added, err := r.Repository.AddUnlimited(ctx, chatID)
	r.observe("add_unlimited", start, err)
	return added, err
}

func (r *InstrumentedRepository) RemoveUnlimited(ctx context.Context, chatID int64) (bool, error) {
	start := time.Now()
	removed, err := r.Repository.RemoveUnlimited(ctx, chatID)
	r.observe("remove_unlimited", start, err)
	return removed, err
}

func (r *InstrumentedRepository) Stats(ctx context.Context, day string) (*models.Stats, error) {
	start := time.Now()
	stats, err := r.Repository.Stats(ctx, day)
	r.observe("stats", start, err)
	if err == nil {
		r.metrics.SetKnownChats(float64(stats.TotalChats))
	}
	return stats, err
}
