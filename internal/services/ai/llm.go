package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/models"
)

// ErrUpstream marks a failed call to a remote model after retries.
var ErrUpstream = errors.New("upstream model unavailable")

// Completer answers a conversation.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []models.Turn) (string, error)
}

// YandexGPT talks to the OpenAI-compatible Yandex Cloud endpoint.
type YandexGPT struct {
	client      *openai.Client
	modelURI    string
	temperature float32
	maxTokens   int
	maxRetries  int
	backoff     func(attempt int) time.Duration
	logger      *logrus.Logger
}

type folderTransport struct {
	folderID string
	base     http.RoundTripper
}

func (t *folderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("x-folder-id", t.folderID)
	return t.base.RoundTrip(req)
}

func NewYandexGPT(cfg *config.YandexConfig, logger *logrus.Logger) *YandexGPT {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &folderTransport{folderID: cfg.FolderID, base: http.DefaultTransport},
	}

	logger.WithFields(logrus.Fields{
		"baseURL": clientConfig.BaseURL,
		"model":   cfg.Model,
	}).Info("LLM client initialized")

	return &YandexGPT{
		client:      openai.NewClientWithConfig(clientConfig),
		modelURI:    ModelURI("gpt", cfg.FolderID, cfg.Model),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(2<<uint(attempt-1)) * time.Second
		},
		logger: logger,
	}
}

// ModelURI builds "<scheme>://<folder>/<model>" unless model already carries a scheme.
func ModelURI(scheme, folderID, model string) string {
	if strings.Contains(model, "://") {
		return model
	}
	return fmt.Sprintf("%s://%s/%s", scheme, folderID, model)
}

func (y *YandexGPT) Complete(ctx context.Context, systemPrompt string, history []models.Turn) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}

	req := openai.ChatCompletionRequest{
		Model:       y.modelURI,
		Messages:    messages,
		MaxTokens:   y.maxTokens,
		Temperature: y.temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= y.maxRetries+1; attempt++ {
		resp, err := y.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
				return "", fmt.Errorf("%w: empty completion", ErrUpstream)
			}
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		if !retryable(err) || attempt > y.maxRetries {
			break
		}
		y.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("LLM request failed, retrying...")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(y.backoff(attempt)):
		}
	}

	return "", fmt.Errorf("%w: %w", ErrUpstream, lastErr)
}

// retryable reports whether err is a transient failure: network errors,
// throttling and server errors. Client errors are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusRetryable(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusRetryable(reqErr.HTTPStatusCode)
	}
	return true
}

func statusRetryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500 || code == 0
}
