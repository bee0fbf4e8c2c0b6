package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yagpt-tgbot-go/internal/config"
	"github.com/yagpt-tgbot-go/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]interface{}{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(body)
}

func newTestGPT(t *testing.T, handler http.HandlerFunc) *YandexGPT {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	gpt := NewYandexGPT(&config.YandexConfig{
		BaseURL:    server.URL + "/v1",
		APIKey:     "key",
		FolderID:   "folder",
		Model:      "yandexgpt-lite/latest",
		MaxTokens:  100,
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}, testLogger())
	gpt.backoff = func(int) time.Duration { return time.Millisecond }
	return gpt
}

func TestCompleteSendsConversation(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	var folder, auth string

	gpt := newTestGPT(t, func(w http.ResponseWriter, r *http.Request) {
		folder = r.Header.Get("x-folder-id")
		auth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody("4"))
	})

	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	answer, err := gpt.Complete(context.Background(), "be brief", []models.Turn{
		models.NewTurn(models.RoleUser, "2+2?", base),
		models.NewTurn(models.RoleAssistant, "4", base.Add(time.Second)),
		models.NewTurn(models.RoleUser, "again?", base.Add(2*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, "4", answer)

	assert.Equal(t, "folder", folder)
	assert.Equal(t, "Bearer key", auth)
	assert.Equal(t, "gpt://folder/yandexgpt-lite/latest", got.Model)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	assert.Equal(t, "assistant", got.Messages[2].Role)
	assert.Equal(t, "again?", got.Messages[3].Content)
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls int32
	gpt := newTestGPT(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"message":"busy"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, completionBody("ok"))
	})

	answer, err := gpt.Complete(context.Background(), "", []models.Turn{models.NewTurn(models.RoleUser, "hi", time.Now())})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	gpt := newTestGPT(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad prompt","type":"invalid_request"}}`)
	})

	_, err := gpt.Complete(context.Background(), "", []models.Turn{models.NewTurn(models.RoleUser, "hi", time.Now())})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestModelURI(t *testing.T) {
	assert.Equal(t, "art://f/yandex-art/latest", ModelURI("art", "f", "yandex-art/latest"))
	assert.Equal(t, "gpt://other/model", ModelURI("gpt", "f", "gpt://other/model"))
}

func newTestART(t *testing.T, handler http.Handler) *YandexART {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewYandexART(&config.ArtConfig{
		BaseURL:       server.URL + "/imageGenerationAsync",
		OperationsURL: server.URL + "/operations",
		Model:         "yandex-art/latest",
		PollInterval:  time.Millisecond,
		Timeout:       5 * time.Second,
	}, &config.YandexConfig{APIKey: "key", FolderID: "folder"}, testLogger())
}

func TestGenerateSubmitsAndPolls(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	var polls int32
	var modelURI, prompt, auth string

	mux := http.NewServeMux()
	mux.HandleFunc("/imageGenerationAsync", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		var req artRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		modelURI = req.ModelURI
		prompt = req.Messages[0].Text
		io.WriteString(w, `{"id":"op-1","done":false}`)
	})
	mux.HandleFunc("/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 2 {
			io.WriteString(w, `{"id":"op-1","done":false}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":       "op-1",
			"done":     true,
			"response": map[string]string{"image": base64.StdEncoding.EncodeToString(png)},
		})
	})

	image, err := newTestART(t, mux).Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, png, image)
	assert.Equal(t, "art://folder/yandex-art/latest", modelURI)
	assert.Equal(t, "a red fox", prompt)
	assert.Equal(t, "Api-Key key", auth)
	assert.Equal(t, int32(2), atomic.LoadInt32(&polls))
}

func TestGenerateReportsOperationError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/imageGenerationAsync", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"op-2","done":true,"error":{"code":3,"message":"prompt rejected"}}`)
	})

	_, err := newTestART(t, mux).Generate(context.Background(), "forbidden")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "prompt rejected")
}

func TestGenerateFailsOnHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/imageGenerationAsync", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := newTestART(t, mux).Generate(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUpstream)
}
