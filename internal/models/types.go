package models

import (
	"time"
)

// Role of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// UsageKind selects which daily counter a request is charged to
type UsageKind string

const (
	KindText  UsageKind = "text"
	KindImage UsageKind = "image"
)

// Language is the process-wide interface language
type Language string

const (
	English Language = "english"
	Russian Language = "russian"
)

// Valid reports whether l is a supported interface language.
func (l Language) Valid() bool {
	return l == English || l == Russian
}

// DayLayout formats calendar days stored in DailyUsage.
const DayLayout = "2006-01-02"

// Turn is a single role-tagged message in a chat's history.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn stamps a turn at microsecond precision so it keeps its identity
// across backends that store timestamps with lower resolution.
func NewTurn(role Role, text string, at time.Time) Turn {
	return Turn{Role: role, Text: text, Timestamp: at.UTC().Truncate(time.Microsecond)}
}

// Key identifies a turn within its chat.
func (t Turn) Key() string {
	return string(t.Role) + "@" + t.Timestamp.UTC().Format(time.RFC3339Nano)
}

// DailyUsage holds the per-day request counters
type DailyUsage struct {
	Date       string `json:"date"`
	TextCount  int    `json:"text_count"`
	ImageCount int    `json:"image_count"`
}

// Count returns the counter for kind.
func (u DailyUsage) Count(kind UsageKind) int {
	if kind == KindImage {
		return u.ImageCount
	}
	return u.TextCount
}

// ChatState is the persisted state of one chat
type ChatState struct {
	ChatID       int64      `json:"-"`
	Usage        DailyUsage `json:"daily_usage"`
	History      []Turn     `json:"history"`
	SystemPrompt string     `json:"system_prompt,omitempty"`
	Title        string     `json:"title,omitempty"`

	// Unlimited is derived from the unlimited-access set on load.
	Unlimited bool `json:"-"`
}

// NewChatState returns a freshly initialized state for chatID.
func NewChatState(chatID int64) *ChatState {
	return &ChatState{ChatID: chatID, History: []Turn{}}
}

// Clone returns a deep copy.
func (s *ChatState) Clone() *ChatState {
	c := *s
	c.History = make([]Turn, len(s.History))
	copy(c.History, s.History)
	return &c
}

// RollOver resets both counters when the stored day differs from day.
func (s *ChatState) RollOver(day string) bool {
	if s.Usage.Date == day {
		return false
	}
	s.Usage = DailyUsage{Date: day}
	return true
}

// Increment bumps the counter for kind.
func (s *ChatState) Increment(kind UsageKind) int {
	if kind == KindImage {
		s.Usage.ImageCount++
		return s.Usage.ImageCount
	}
	s.Usage.TextCount++
	return s.Usage.TextCount
}

// TrimHistory evicts the oldest turns until at most max remain.
func (s *ChatState) TrimHistory(max int) {
	if max < 0 || len(s.History) <= max {
		return
	}
	kept := make([]Turn, max)
	copy(kept, s.History[len(s.History)-max:])
	s.History = kept
}

// GlobalSettings is the process-wide settings block
type GlobalSettings struct {
	Language Language `json:"language"`
}

// Stats is a read-only projection across all known chats
type Stats struct {
	Day            string
	TotalChats     int
	UnlimitedChats int
	TodayText      int
	TodayImages    int
	TotalTurns     int
}
