package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.GatewayConfig{BaseURL: srv.URL + "/", APIKey: "test-key", Timeout: 5})
}

func TestComplete_Success(t *testing.T) {
	var got Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Hi there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})

	temp := 0.7
	resp, err := c.Complete(context.Background(), Request{
		Model:       "vertex/gemini-2.0-flash-001",
		Messages:    []Message{{Role: "user", Content: "hello"}},
		MaxTokens:   500,
		Temperature: &temp,
	})
	require.NoError(t, err)

	assert.Equal(t, "Hi there", resp.Text)
	assert.Equal(t, int64(12), resp.PromptTokens)
	assert.Equal(t, int64(3), resp.CompletionTokens)
	assert.Equal(t, int64(15), resp.TotalTokens)

	assert.Equal(t, "vertex/gemini-2.0-flash-001", got.Model)
	assert.Equal(t, 500, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.7, *got.Temperature)
}

func TestComplete_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": {"message": "model not enabled for project"}}`))
	})

	_, err := c.Complete(context.Background(), Request{Model: "vertex/chat-bison-001"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "model not enabled for project", apiErr.Message)
}

func TestComplete_PlainTextError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := c.Complete(context.Background(), Request{Model: "m"})
	assert.EqualError(t, err, "model API returned status 502: bad gateway")
}

func TestComplete_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [], "usage": {"prompt_tokens": 4}}`))
	})

	_, err := c.Complete(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestComplete_MissingTotalTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "ok"}}], "usage": {"prompt_tokens": 4, "completion_tokens": 6}}`))
	})

	resp, err := c.Complete(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), resp.TotalTokens)
}

func TestComplete_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp, err := c.Complete(ctx, Request{Model: "m"})
	assert.Error(t, err)
	assert.Nil(t, resp)
}
