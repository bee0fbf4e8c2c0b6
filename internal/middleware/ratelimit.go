package middleware

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
	"golang.org/x/time/rate"
)

// RateLimiter throttles bursts of messages per chat. It sits in front of
// the daily quota and never touches stored counters.
type RateLimiter interface {
	Allow(chatID int64) bool
	Reset(chatID int64)
}

type chatLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ChatRateLimiter implements per-chat rate limiting
type ChatRateLimiter struct {
	enabled  bool
	limiters map[int64]*chatLimiter
	mu       sync.Mutex
	rpm      int
	burst    int
	idle     time.Duration
	now      func() time.Time
	metrics  *Metrics
	logger   *logrus.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, metrics *Metrics, logger *logrus.Logger) *ChatRateLimiter {
	if !cfg.Enabled || cfg.RequestsPerMinute <= 0 {
		return &ChatRateLimiter{enabled: false}
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ChatRateLimiter{
		enabled:  true,
		limiters: make(map[int64]*chatLimiter),
		rpm:      cfg.RequestsPerMinute,
		burst:    burst,
		idle:     time.Hour,
		now:      time.Now,
		metrics:  metrics,
		logger:   logger,
	}
}

// Allow checks if a chat is allowed to make a request
func (r *ChatRateLimiter) Allow(chatID int64) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(chatID).AllowN(r.now(), 1)
	if !allowed {
		r.logger.WithField("chat_id", chatID).Debug("Rate limit exceeded")
		if r.metrics != nil {
			r.metrics.RecordRateLimitExceeded()
		}
	}
	return allowed
}

// Reset resets the rate limiter for a chat
func (r *ChatRateLimiter) Reset(chatID int64) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, chatID)
	r.mu.Unlock()
}

func (r *ChatRateLimiter) getLimiter(chatID int64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.limiters[chatID]
	if !exists {
		// Rate per second = RPM / 60
		rps := float64(r.rpm) / 60.0
		entry = &chatLimiter{limiter: rate.NewLimiter(rate.Limit(rps), r.burst)}
		r.limiters[chatID] = entry
	}
	entry.lastSeen = r.now()
	return entry.limiter
}

// Sweep drops limiters idle for longer than the idle window.
func (r *ChatRateLimiter) Sweep() int {
	if !r.enabled {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.idle)
	removed := 0
	for id, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, id)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps periodically until stop is closed.
func (r *ChatRateLimiter) RunCleanup(interval time.Duration, stop <-chan struct{}) {
	if !r.enabled {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.WithField("removed", removed).Debug("Dropped idle rate limiters")
			}
		}
	}
}
