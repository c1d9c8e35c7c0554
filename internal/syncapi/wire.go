// Package syncapi defines the JSON bodies exchanged between goop sync and
// goop-server.
package syncapi

import (
	"time"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// Request is the POST /api/sync body
type Request struct {
	ClientID   string  `json:"client_id"`
	ClientName string  `json:"client_name"`
	Events     []Event `json:"events"`
}

// Event is one ledger event on the wire
type Event struct {
	Timestamp        string  `json:"timestamp"`
	SessionID        string  `json:"session_id"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Cost             float64 `json:"cost_usd"`
	SessionTotal     float64 `json:"session_total"`
}

// Response is the POST /api/sync answer
type Response struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	Inserted int64  `json:"inserted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StatusResponse is the GET /api/sync/status answer. LastEventAt is the
// newest event timestamp the server holds for the client.
type StatusResponse struct {
	LastSyncAt  *time.Time `json:"last_sync_at,omitempty"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ToWire converts ledger events to their wire form
func ToWire(events []model.UsageEvent) []Event {
	out := make([]Event, len(events))
	for i, ev := range events {
		out[i] = Event{
			Timestamp:        ev.Timestamp.UTC().Format(time.RFC3339Nano),
			SessionID:        ev.SessionID,
			Model:            ev.Model,
			PromptTokens:     ev.PromptTokens,
			CompletionTokens: ev.CompletionTokens,
			Cost:             ev.Cost,
			SessionTotal:     ev.SessionTotal,
		}
	}
	return out
}

// FromWire parses wire events, skipping ones with invalid timestamps,
// no model or negative values
func FromWire(events []Event) []model.UsageEvent {
	out := make([]model.UsageEvent, 0, len(events))
	for _, e := range events {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil || e.Model == "" {
			continue
		}
		if e.PromptTokens < 0 || e.CompletionTokens < 0 || e.Cost < 0 || e.SessionTotal < 0 {
			continue
		}
		out = append(out, model.UsageEvent{
			Timestamp:        ts,
			SessionID:        e.SessionID,
			Model:            e.Model,
			PromptTokens:     e.PromptTokens,
			CompletionTokens: e.CompletionTokens,
			Cost:             e.Cost,
			SessionTotal:     e.SessionTotal,
		})
	}
	return out
}
