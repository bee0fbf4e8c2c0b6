package storage

import (
	"time"

	"github.com/yagpt-tgbot-go/internal/models"
)

type chatRecord struct {
	ChatID       int64  `gorm:"primaryKey;autoIncrement:false"`
	SystemPrompt string `gorm:"type:text"`
	Title        string `gorm:"size:255"`
	UsageDate    string `gorm:"size:10;index"`
	TextCount    int    `gorm:"not null;default:0"`
	ImageCount   int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (chatRecord) TableName() string { return "chats" }

// turnRecord stores ciphertext in Text; Digest is the SHA-256 of the plaintext.
type turnRecord struct {
	ID     uint      `gorm:"primaryKey"`
	ChatID int64     `gorm:"not null;uniqueIndex:idx_turn_identity,priority:1"`
	SentAt time.Time `gorm:"not null;uniqueIndex:idx_turn_identity,priority:2"`
	Role   string    `gorm:"size:16;not null;uniqueIndex:idx_turn_identity,priority:3"`
	Text   string    `gorm:"type:text;not null"`
	Digest string    `gorm:"size:64"`
}

func (turnRecord) TableName() string { return "turns" }

func (t turnRecord) key() string {
	return models.Turn{Role: models.Role(t.Role), Timestamp: t.SentAt}.Key()
}

type unlimitedRecord struct {
	ChatID    int64 `gorm:"primaryKey;autoIncrement:false"`
	CreatedAt time.Time
}

func (unlimitedRecord) TableName() string { return "unlimited_chats" }

// settingsRecord is a single row with ID 1. KeyCheck holds an encrypted
// canary used to detect a changed encryption key at startup.
type settingsRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Language  string `gorm:"size:16"`
	KeyCheck  string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (settingsRecord) TableName() string { return "settings" }

const settingsRowID = 1
