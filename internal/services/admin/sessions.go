package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
)

// Step is where an admin session waits for input.
type Step string

const (
	StepAwaitAddID    Step = "await_add_id"
	StepAwaitRemoveNo Step = "await_remove_index"
)

// Session is the per-admin-chat interaction state.
type Session struct {
	Step       Step    `json:"step"`
	Candidates []int64 `json:"candidates,omitempty"`
}

// SessionStore keeps sessions with a TTL so abandoned flows expire.
type SessionStore interface {
	Get(ctx context.Context, chatID int64) (Session, error)
	Set(ctx context.Context, chatID int64, session Session) error
	Delete(ctx context.Context, chatID int64) error
}

// NewSessionStore picks the backend named by cfg.Type.
func NewSessionStore(cfg *config.SessionsConfig, logger *logrus.Logger) (SessionStore, error) {
	switch cfg.Type {
	case "redis":
		return NewRedisSessions(cfg, logger)
	case "memory", "":
		return NewMemorySessions(cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported sessions type: %s", cfg.Type)
	}
}

func sessionKey(chatID int64) string {
	return fmt.Sprintf("admin_session:%d", chatID)
}

// MemorySessions keeps sessions in process memory.
type MemorySessions struct {
	sessions *cache.Cache
}

func NewMemorySessions(ttl time.Duration) *MemorySessions {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemorySessions{sessions: cache.New(ttl, 10*time.Minute)}
}

func (m *MemorySessions) Get(ctx context.Context, chatID int64) (Session, error) {
	if val, found := m.sessions.Get(sessionKey(chatID)); found {
		return val.(Session), nil
	}
	return Session{}, nil
}

func (m *MemorySessions) Set(ctx context.Context, chatID int64, session Session) error {
	m.sessions.SetDefault(sessionKey(chatID), session)
	return nil
}

func (m *MemorySessions) Delete(ctx context.Context, chatID int64) error {
	m.sessions.Delete(sessionKey(chatID))
	return nil
}

// RedisSessions keeps sessions in redis so admin flows survive restarts.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisSessions(cfg *config.SessionsConfig, logger *logrus.Logger) (*RedisSessions, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisSessions{client: client, ttl: ttl, logger: logger}, nil
}

func (r *RedisSessions) Get(ctx context.Context, chatID int64) (Session, error) {
	data, err := r.client.Get(ctx, sessionKey(chatID)).Result()
	if err == redis.Nil {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, err
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		r.logger.WithError(err).WithField("chat_id", chatID).Warn("Dropping unreadable admin session")
		return Session{}, nil
	}
	return session, nil
}

func (r *RedisSessions) Set(ctx context.Context, chatID int64, session Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKey(chatID), data, r.ttl).Err()
}

func (r *RedisSessions) Delete(ctx context.Context, chatID int64) error {
	return r.client.Del(ctx, sessionKey(chatID)).Err()
}

// Close releases the redis connection pool.
func (r *RedisSessions) Close() error {
	return r.client.Close()
}
