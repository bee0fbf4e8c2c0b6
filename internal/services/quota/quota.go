package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/clock"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/storage"
)

// Limits are the per-day allowances for each usage kind.
type Limits struct {
	Text  int
	Image int
}

func (l Limits) For(kind models.UsageKind) int {
	if kind == models.KindImage {
		return l.Image
	}
	return l.Text
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Kind      models.UsageKind
	Count     int
	Limit     int
	ResetIn   time.Duration
}

// Err converts a denial into an *ExceededError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Kind: d.Kind, Count: d.Count, Limit: d.Limit, ResetIn: d.ResetIn}
}

// ExceededError reports a spent daily quota and the time until it resets.
type ExceededError struct {
	Kind    models.UsageKind
	Count   int
	Limit   int
	ResetIn time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily %s quota exceeded: %d/%d, resets in %s", e.Kind, e.Count, e.Limit, e.ResetIn.Round(time.Minute))
}

// Tracker enforces daily counters on top of a storage.Repository.
type Tracker struct {
	repo     storage.Repository
	limits   Limits
	clock    clock.Clock
	location *time.Location
	logger   *logrus.Logger
}

func NewTracker(repo storage.Repository, limits Limits, clk clock.Clock, location *time.Location, logger *logrus.Logger) *Tracker {
	if location == nil {
		location = time.Local
	}
	return &Tracker{repo: repo, limits: limits, clock: clk, location: location, logger: logger}
}

// Today returns the current calendar day in the tracker's location.
func (t *Tracker) Today() string {
	return t.clock.Now().In(t.location).Format(models.DayLayout)
}

// ResetIn is the time left until the next local midnight.
func (t *Tracker) ResetIn() time.Duration {
	now := t.clock.Now().In(t.location)
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, t.location)
	return midnight.Sub(now)
}

// CheckAndConsume charges one request of kind to the chat. Unlimited chats
// are always allowed and never counted. The check and the increment run in
// one repository critical section, so concurrent requests for the same chat
// cannot both pass on a stale count. A consumed request is never refunded.
func (t *Tracker) CheckAndConsume(ctx context.Context, chatID int64, kind models.UsageKind) (Decision, error) {
	limit := t.limits.For(kind)
	today := t.Today()
	decision := Decision{Kind: kind, Limit: limit}

	_, err := t.repo.Update(ctx, chatID, func(state *models.ChatState) (bool, error) {
		if state.Unlimited {
			decision.Allowed = true
			decision.Unlimited = true
			return false, nil
		}

		rolled := state.RollOver(today)
		current := state.Usage.Count(kind)
		if current >= limit {
			decision.Count = current
			return rolled, nil
		}

		decision.Count = state.Increment(kind)
		decision.Allowed = true
		return true, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("checking %s quota for chat %d: %w", kind, chatID, err)
	}

	if !decision.Allowed {
		decision.ResetIn = t.ResetIn()
		t.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"kind":    kind,
			"count":   decision.Count,
			"limit":   limit,
		}).Debug("Quota denied")
	}
	return decision, nil
}
