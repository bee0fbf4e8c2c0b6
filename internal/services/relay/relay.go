package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/middleware"
	"github.com/yagpt-tgbot-go/internal/models"
	"github.com/yagpt-tgbot-go/internal/services/ai"
	"github.com/yagpt-tgbot-go/internal/services/conversation"
	"github.com/yagpt-tgbot-go/internal/services/quota"
)

var (
	// ErrEmptyInput means there was nothing to send; no quota is consumed.
	ErrEmptyInput = errors.New("empty input")
	// ErrNotPermitted guards per-chat prompt overrides.
	ErrNotPermitted = errors.New("not permitted")
)

// TooLongError rejects a question before any quota is consumed.
type TooLongError struct {
	Length int
	Max    int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("question too long: %d > %d characters", e.Length, e.Max)
}

// Membership answers whether a chat is exempt from limits.
type Membership interface {
	Contains(ctx context.Context, chatID int64) (bool, error)
}

// Service runs one interaction: quota check, history bookkeeping and the
// remote model call. Model calls are made without holding any storage lock.
type Service struct {
	quota          *quota.Tracker
	history        *conversation.History
	members        Membership
	llm            ai.Completer
	images         ai.ImageGenerator
	maxQuestionLen int
	metrics        *middleware.Metrics
	logger         *logrus.Logger
}

func NewService(
	tracker *quota.Tracker,
	history *conversation.History,
	members Membership,
	llm ai.Completer,
	images ai.ImageGenerator,
	maxQuestionLen int,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *Service {
	return &Service{
		quota:          tracker,
		history:        history,
		members:        members,
		llm:            llm,
		images:         images,
		maxQuestionLen: maxQuestionLen,
		metrics:        metrics,
		logger:         logger,
	}
}

// Ask answers a question in the chat's conversation. The user turn is stored
// before the model call and the assistant turn after it. A failed model call
// leaves the user turn in place and keeps the consumed quota.
func (s *Service) Ask(ctx context.Context, chatID int64, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyInput
	}
	if s.maxQuestionLen > 0 {
		if n := utf8.RuneCountInString(question); n > s.maxQuestionLen {
			return "", &TooLongError{Length: n, Max: s.maxQuestionLen}
		}
	}

	if err := s.consume(ctx, chatID, models.KindText); err != nil {
		return "", err
	}

	if _, err := s.history.Append(ctx, chatID, models.RoleUser, question); err != nil {
		return "", err
	}
	prompt, turns, err := s.history.Context(ctx, chatID)
	if err != nil {
		return "", err
	}

	start := time.Now()
	answer, err := s.llm.Complete(ctx, prompt, turns)
	s.recordModel("llm", start, err)
	if err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to get LLM response")
		return "", err
	}

	if _, err := s.history.Append(ctx, chatID, models.RoleAssistant, answer); err != nil {
		return "", err
	}
	return answer, nil
}

// Image generates a picture for prompt under the image quota.
func (s *Service) Image(ctx context.Context, chatID int64, prompt string) ([]byte, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyInput
	}
	if err := s.consume(ctx, chatID, models.KindImage); err != nil {
		return nil, err
	}

	start := time.Now()
	image, err := s.images.Generate(ctx, prompt)
	s.recordModel("art", start, err)
	if err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to generate image")
		return nil, err
	}
	return image, nil
}

// Reset clears the conversation and restores the default prompt.
func (s *Service) Reset(ctx context.Context, chatID int64) error {
	return s.history.Reset(ctx, chatID)
}

// SetPrompt installs a custom system prompt. Only admins and unlimited
// chats may do so.
func (s *Service) SetPrompt(ctx context.Context, chatID int64, isAdmin bool, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyInput
	}
	if !isAdmin {
		unlimited, err := s.members.Contains(ctx, chatID)
		if err != nil {
			return err
		}
		if !unlimited {
			return ErrNotPermitted
		}
	}
	return s.history.SetSystemPrompt(ctx, chatID, prompt)
}

// Title records the chat's display name for stats and admin lists.
func (s *Service) Title(ctx context.Context, chatID int64, title string) {
	if err := s.history.SetTitle(ctx, chatID, title); err != nil {
		s.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to record chat title")
	}
}

func (s *Service) consume(ctx context.Context, chatID int64, kind models.UsageKind) error {
	decision, err := s.quota.CheckAndConsume(ctx, chatID, kind)
	if err != nil {
		s.metrics.RecordQuotaDecision(string(kind), "error")
		return err
	}

	switch {
	case decision.Unlimited:
		s.metrics.RecordQuotaDecision(string(kind), "unlimited")
	case decision.Allowed:
		s.metrics.RecordQuotaDecision(string(kind), "allowed")
	default:
		s.metrics.RecordQuotaDecision(string(kind), "denied")
	}
	return decision.Err()
}

func (s *Service) recordModel(model string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordModelRequest(model, status, time.Since(start))
}
