// Package llm talks to the OpenAI-compatible chat completions endpoint of
// the goop proxy.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
)

// ErrEmptyResponse is returned when the proxy answers without any choices
var ErrEmptyResponse = errors.New("model returned no choices")

// APIError is a non-2xx answer from the proxy
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("model API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("model API returned status %d: %s", e.StatusCode, e.Message)
}

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Response is the part of a completion this module uses
type Response struct {
	Text             string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Completer produces chat completions
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Client calls the proxy's /chat/completions endpoint
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the configured gateway
func NewClient(cfg config.GatewayConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "goop-utilities/1.0")

	return &Client{http: client}
}

// Complete sends req and returns the first choice with its token usage
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}

	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		var body errorResponse
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error.Message != "" {
			apiErr.Message = body.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return nil, apiErr
	}

	var out completionResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to parse completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	total := out.Usage.TotalTokens
	if total == 0 {
		total = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}

	return &Response{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      total,
	}, nil
}
