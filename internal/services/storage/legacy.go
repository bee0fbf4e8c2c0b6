package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yagpt-tgbot-go/internal/models"
)

// The first generation of the bot stored flat per-concern maps keyed by chat
// id string: prompts, daily_usage/image_usage as [date, count] pairs, and
// histories led by a system message.
var legacyKeys = []string{"prompts", "daily_usage", "image_usage", "histories"}

type legacyMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func isLegacyDocument(top map[string]json.RawMessage) bool {
	for _, key := range legacyKeys {
		if _, ok := top[key]; ok {
			return true
		}
	}
	return false
}

func convertLegacy(top map[string]json.RawMessage, modTime time.Time) (*fileDocument, error) {
	var (
		prompts   map[string]string
		daily     map[string][2]json.RawMessage
		images    map[string][2]json.RawMessage
		histories map[string][]legacyMessage
	)
	targets := map[string]interface{}{
		"prompts":     &prompts,
		"daily_usage": &daily,
		"image_usage": &images,
		"histories":   &histories,
	}
	for key, target := range targets {
		raw, ok := top[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("legacy %s: %w", key, err)
		}
	}

	doc := newFileDocument()
	get := func(key string) (*models.ChatState, error) {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("legacy chat id %q: %w", key, err)
		}
		state, ok := doc.Chats[id]
		if !ok {
			state = models.NewChatState(id)
			doc.Chats[id] = state
		}
		return state, nil
	}

	for key, prompt := range prompts {
		state, err := get(key)
		if err != nil {
			return nil, err
		}
		state.SystemPrompt = prompt
	}

	for key, pair := range daily {
		state, err := get(key)
		if err != nil {
			return nil, err
		}
		date, count, err := decodeLegacyUsage(pair)
		if err != nil {
			return nil, err
		}
		mergeLegacyUsage(state, date, count, models.KindText)
	}
	for key, pair := range images {
		state, err := get(key)
		if err != nil {
			return nil, err
		}
		date, count, err := decodeLegacyUsage(pair)
		if err != nil {
			return nil, err
		}
		mergeLegacyUsage(state, date, count, models.KindImage)
	}

	// Legacy turns carry no timestamps. They are spaced one microsecond apart
	// ending at the file's modification time, so repeated reads of an
	// untouched file yield identical turn identities.
	base := modTime.UTC().Truncate(time.Second)
	for key, messages := range histories {
		state, err := get(key)
		if err != nil {
			return nil, err
		}
		var turns []models.Turn
		for _, msg := range messages {
			switch models.Role(msg.Role) {
			case models.RoleUser, models.RoleAssistant:
				turns = append(turns, models.Turn{Role: models.Role(msg.Role), Text: msg.Text})
			case "system":
				if state.SystemPrompt == "" {
					state.SystemPrompt = msg.Text
				}
			}
		}
		for i := range turns {
			turns[i].Timestamp = base.Add(-time.Duration(len(turns)-i) * time.Microsecond)
		}
		state.History = append(state.History, turns...)
	}

	return doc, nil
}

func decodeLegacyUsage(pair [2]json.RawMessage) (string, int, error) {
	var date string
	var count int
	if err := json.Unmarshal(pair[0], &date); err != nil {
		return "", 0, fmt.Errorf("legacy usage date: %w", err)
	}
	if err := json.Unmarshal(pair[1], &count); err != nil {
		return "", 0, fmt.Errorf("legacy usage count: %w", err)
	}
	return date, count, nil
}

// mergeLegacyUsage keeps the newest day seen for the chat.
func mergeLegacyUsage(state *models.ChatState, date string, count int, kind models.UsageKind) {
	switch {
	case state.Usage.Date == "" || date > state.Usage.Date:
		state.Usage = models.DailyUsage{Date: date}
	case date < state.Usage.Date:
		return
	}
	if kind == models.KindImage {
		state.Usage.ImageCount = count
	} else {
		state.Usage.TextCount = count
	}
}
