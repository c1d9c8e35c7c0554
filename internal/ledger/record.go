package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// record is the serialized form of one event, one JSON object per line.
// Field names match the chat_costs.log files written by earlier tools.
type record struct {
	Timestamp        string   `json:"timestamp"`
	SessionID        string   `json:"session_id,omitempty"`
	Model            *string  `json:"model"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
	TotalTokens      int64    `json:"total_tokens"`
	Cost             *float64 `json:"cost_usd"`
	SessionTotal     float64  `json:"session_total"`
}

// timestamps without an offset are read as local time
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func encodeEvent(ev model.UsageEvent) ([]byte, error) {
	m := ev.Model
	cost := ev.Cost
	return json.Marshal(record{
		Timestamp:        ev.Timestamp.Format(time.RFC3339Nano),
		SessionID:        ev.SessionID,
		Model:            &m,
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.TotalTokens(),
		Cost:             &cost,
		SessionTotal:     ev.SessionTotal,
	})
}

func decodeEvent(line []byte) (model.UsageEvent, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return model.UsageEvent{}, err
	}
	if r.Model == nil || r.Cost == nil {
		return model.UsageEvent{}, errors.New("missing model or cost_usd")
	}
	if *r.Cost < 0 || r.SessionTotal < 0 || r.PromptTokens < 0 || r.CompletionTokens < 0 {
		return model.UsageEvent{}, errors.New("negative value")
	}

	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return model.UsageEvent{}, err
	}

	return model.UsageEvent{
		Timestamp:        ts,
		SessionID:        r.SessionID,
		Model:            *r.Model,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		Cost:             *r.Cost,
		SessionTotal:     r.SessionTotal,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
