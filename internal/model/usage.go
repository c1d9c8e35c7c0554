package model

import "time"

// PricingEntry describes the rates of a known model, per 1000 tokens
type PricingEntry struct {
	Key         string  `json:"key" yaml:"-" mapstructure:"-"`
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k" mapstructure:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k" mapstructure:"output_per_1k"`
	Name        string  `json:"name" yaml:"name" mapstructure:"name"`
	Speed       string  `json:"speed" yaml:"speed" mapstructure:"speed"`
	Description string  `json:"description" yaml:"description" mapstructure:"description"`
}

// UsageEvent is one completed, token-accounted request. Events are never
// mutated once appended to a ledger.
type UsageEvent struct {
	Timestamp        time.Time
	SessionID        string
	Model            string // as requested by the caller, even when priced via fallback
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	SessionTotal     float64 // session cost after this event
}

// TotalTokens returns prompt plus completion tokens
func (e UsageEvent) TotalTokens() int64 {
	return e.PromptTokens + e.CompletionTokens
}

// CostSummary is returned to the caller after each recorded request
type CostSummary struct {
	EventCost      float64 `json:"last_cost"`
	SessionCost    float64 `json:"session_cost"`
	TotalTokens    int64   `json:"session_tokens"`
	MessageCount   int     `json:"message_count"`
	CostPerMessage float64 `json:"avg_cost"`
}

// SessionState is a point-in-time copy of a running session's totals
type SessionState struct {
	SessionID    string             `json:"session_id"`
	StartedAt    time.Time          `json:"started_at"`
	SessionCost  float64            `json:"session_cost"`
	TotalTokens  int64              `json:"total_tokens"`
	MessageCount int                `json:"message_count"`
	CostByModel  map[string]float64 `json:"cost_by_model"`
}

// CostPerMessage returns the average cost, or zero before the first message
func (s SessionState) CostPerMessage() float64 {
	if s.MessageCount == 0 {
		return 0
	}
	return s.SessionCost / float64(s.MessageCount)
}

// ModelStats aggregates ledger events for one model key
type ModelStats struct {
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
	Messages int     `json:"messages"`
}

// Report is the result of replaying a ledger
type Report struct {
	TotalCost         float64               `json:"total_cost"`
	TotalTokens       int64                 `json:"total_tokens"`
	TotalMessages     int                   `json:"total_messages"`
	AveragePerMessage float64               `json:"average_per_message"`
	PerModel          map[string]ModelStats `json:"per_model"`
	MonthlyProjection float64               `json:"monthly_projection"`
}

// AggregatedUsage represents usage aggregated by some key (day, month, session)
type AggregatedUsage struct {
	Key              string // The grouping key (date, session ID, etc.)
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	Models           []string // Models used in this period
	RecordCount      int
}
