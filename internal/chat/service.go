// Package chat runs one chat turn against the model API and records its
// cost once the model has answered.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/config"
	"github.com/NeuralForge6000/goop-utilities/internal/llm"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/tracker"
)

// ErrEmptyMessage is returned for blank user input
var ErrEmptyMessage = errors.New("message is empty")

// Reply is the model's answer to one turn plus its cost
type Reply struct {
	Text         string
	Model        string
	PromptTokens int64
	OutputTokens int64
	TotalTokens  int64
	Cost         model.CostSummary
}

// Service sends chat turns and feeds token usage into a tracker
type Service struct {
	client  llm.Completer
	tracker *tracker.Tracker
	opts    config.ChatConfig
}

// NewService creates a chat service
func NewService(client llm.Completer, t *tracker.Tracker, opts config.ChatConfig) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	return &Service{client: client, tracker: t, opts: opts}
}

// Tracker returns the session tracker this service records into
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

// Send asks modelKey to continue history, whose last message is the user's
// new turn. Only the last HistoryLimit messages are sent. Cost is recorded
// only when the model answers; on error the tracker is left untouched.
func (s *Service) Send(ctx context.Context, modelKey string, history []llm.Message) (*Reply, error) {
	if len(history) == 0 || strings.TrimSpace(history[len(history)-1].Content) == "" {
		return nil, ErrEmptyMessage
	}

	temp := s.opts.Temperature
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:       modelKey,
		Messages:    Trim(history, s.opts.HistoryLimit),
		MaxTokens:   s.opts.MaxTokens,
		Temperature: &temp,
	})
	if err != nil {
		logger.FromContext(ctx).Error("chat completion failed", zap.String("model", modelKey), zap.Error(err))
		return nil, fmt.Errorf("chat with %s failed: %w", modelKey, err)
	}

	summary := s.tracker.Record(ctx, modelKey, resp.PromptTokens, resp.CompletionTokens)

	return &Reply{
		Text:         resp.Text,
		Model:        modelKey,
		PromptTokens: resp.PromptTokens,
		OutputTokens: resp.CompletionTokens,
		TotalTokens:  resp.TotalTokens,
		Cost:         summary,
	}, nil
}

// Trim returns the last limit messages of history
func Trim(history []llm.Message, limit int) []llm.Message {
	if limit > 0 && len(history) > limit {
		return history[len(history)-limit:]
	}
	return history
}

// Alerts returns the warnings a summary triggers. They are informational;
// nothing is blocked.
func Alerts(s model.CostSummary, th config.AlertsConfig) []string {
	var alerts []string
	if th.SessionCost > 0 && s.SessionCost > th.SessionCost {
		alerts = append(alerts, fmt.Sprintf("WARNING: Session cost exceeded $%.2f", th.SessionCost))
	}
	if th.MessageCost > 0 && s.EventCost > th.MessageCost {
		alerts = append(alerts, fmt.Sprintf("HIGH COST: Message cost $%.6f", s.EventCost))
	}
	return alerts
}

// ProjectionAlert returns a warning when the monthly projection of r exceeds
// the configured threshold, or "" otherwise
func ProjectionAlert(r model.Report, th config.AlertsConfig) string {
	if th.MonthlyProjection > 0 && r.MonthlyProjection > th.MonthlyProjection {
		return "WARNING: High projected monthly cost!"
	}
	return ""
}
