package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yagpt-tgbot-go/internal/config"
)

// ImageGenerator turns a prompt into image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// YandexART drives the asynchronous image generation API: the request
// returns an operation id which is polled until done.
type YandexART struct {
	submitURL     string
	operationsURL string
	modelURI      string
	apiKey        string
	pollInterval  time.Duration
	timeout       time.Duration
	httpClient    *http.Client
	logger        *logrus.Logger
}

func NewYandexART(cfg *config.ArtConfig, yandex *config.YandexConfig, logger *logrus.Logger) *YandexART {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &YandexART{
		submitURL:     cfg.BaseURL,
		operationsURL: strings.TrimSuffix(cfg.OperationsURL, "/"),
		modelURI:      ModelURI("art", yandex.FolderID, cfg.Model),
		apiKey:        yandex.APIKey,
		pollInterval:  pollInterval,
		timeout:       cfg.Timeout,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

type artMessage struct {
	Weight string `json:"weight"`
	Text   string `json:"text"`
}

type artRequest struct {
	ModelURI          string       `json:"modelUri"`
	GenerationOptions artOptions   `json:"generationOptions"`
	Messages          []artMessage `json:"messages"`
}

type artOptions struct {
	Seed        string         `json:"seed"`
	AspectRatio artAspectRatio `json:"aspectRatio"`
}

type artAspectRatio struct {
	WidthRatio  string `json:"widthRatio"`
	HeightRatio string `json:"heightRatio"`
}

type operation struct {
	ID    string `json:"id"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		Image string `json:"image"`
	} `json:"response,omitempty"`
}

func (a *YandexART) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	op, err := a.submit(ctx, prompt)
	if err != nil {
		return nil, err
	}
	a.logger.WithField("operation", op.ID).Debug("Image generation submitted")

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for !op.Done {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for operation %s: %w", ErrUpstream, op.ID, ctx.Err())
		case <-ticker.C:
		}
		if op, err = a.poll(ctx, op.ID); err != nil {
			return nil, err
		}
	}

	if op.Error != nil {
		return nil, fmt.Errorf("%w: image generation failed: %s", ErrUpstream, op.Error.Message)
	}
	if op.Response == nil || op.Response.Image == "" {
		return nil, fmt.Errorf("%w: operation %s returned no image", ErrUpstream, op.ID)
	}
	image, err := base64.StdEncoding.DecodeString(op.Response.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding image: %w", ErrUpstream, err)
	}
	return image, nil
}

func (a *YandexART) submit(ctx context.Context, prompt string) (*operation, error) {
	body, err := json.Marshal(artRequest{
		ModelURI: a.modelURI,
		GenerationOptions: artOptions{
			Seed:        fmt.Sprintf("%d", time.Now().UnixNano()%1000000),
			AspectRatio: artAspectRatio{WidthRatio: "1", HeightRatio: "1"},
		},
		Messages: []artMessage{{Weight: "1", Text: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.submitURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *YandexART) poll(ctx context.Context, id string) (*operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.operationsURL+"/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return a.do(req)
}

func (a *YandexART) do(req *http.Request) (*operation, error) {
	req.Header.Set("Authorization", "Api-Key "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		a.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(data),
		}).Error("Image request failed")
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	var op operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %w", ErrUpstream, err)
	}
	if op.ID == "" {
		return nil, fmt.Errorf("%w: response carried no operation id", ErrUpstream)
	}
	return &op, nil
}
