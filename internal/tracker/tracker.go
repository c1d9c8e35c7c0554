// Package tracker keeps the running cost totals of one chat session and
// writes each priced request to the usage ledger.
package tracker

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/ledger"
	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
	"github.com/NeuralForge6000/goop-utilities/internal/pricing"
)

// Observer is called after every recorded event with the result of the
// ledger append (nil on success)
type Observer func(ev model.UsageEvent, appendErr error)

// Option configures a Tracker
type Option func(*Tracker)

// WithObserver registers fn to be notified of every recorded event
func WithObserver(fn Observer) Option {
	return func(t *Tracker) {
		t.observers = append(t.observers, fn)
	}
}

// WithSessionID sets the session ID written with each event
func WithSessionID(id string) Option {
	return func(t *Tracker) {
		t.state.SessionID = id
	}
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker accumulates cost for a single session. It is safe for concurrent
// use; each Record is applied and appended as one step, so the ledger order
// matches the order of the session totals.
type Tracker struct {
	table     *pricing.Table
	ledger    ledger.Ledger
	observers []Observer
	now       func() time.Time

	mu    sync.Mutex
	state model.SessionState
}

// New creates a tracker with zeroed totals
func New(table *pricing.Table, l ledger.Ledger, opts ...Option) *Tracker {
	t := &Tracker{
		table:  table,
		ledger: l,
		now:    time.Now,
		state: model.SessionState{
			SessionID:   uuid.NewString(),
			CostByModel: make(map[string]float64),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.StartedAt = t.now()
	return t
}

// Record prices one completed request, adds it to the session totals and
// appends it to the ledger. A ledger failure is logged and reported to the
// observers; the totals still include the event.
func (t *Tracker) Record(ctx context.Context, modelKey string, promptTokens, completionTokens int64) model.CostSummary {
	log := logger.FromContext(ctx)

	if promptTokens < 0 || completionTokens < 0 {
		log.Error("negative token count, clamping to zero",
			zap.String("model", modelKey),
			zap.Int64("prompt_tokens", promptTokens),
			zap.Int64("completion_tokens", completionTokens))
		promptTokens = max(promptTokens, 0)
		completionTokens = max(completionTokens, 0)
	}

	entry, fellBack := t.table.Resolve(modelKey)
	if fellBack {
		log.Debug("unknown model, using default pricing",
			zap.String("model", modelKey), zap.String("priced_as", entry.Key))
	}
	cost := pricing.CalculateCost(entry, promptTokens, completionTokens)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.SessionCost += cost
	t.state.TotalTokens += promptTokens + completionTokens
	t.state.MessageCount++
	t.state.CostByModel[modelKey] += cost

	ev := model.UsageEvent{
		Timestamp:        t.now(),
		SessionID:        t.state.SessionID,
		Model:            modelKey,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
		SessionTotal:     t.state.SessionCost,
	}

	var appendErr error
	if t.ledger != nil {
		appendErr = t.ledger.Append(ctx, ev)
		if appendErr != nil {
			log.Warn("failed to write usage ledger", zap.String("model", modelKey), zap.Error(appendErr))
		}
	}

	for _, fn := range t.observers {
		fn(ev, appendErr)
	}

	return model.CostSummary{
		EventCost:      cost,
		SessionCost:    t.state.SessionCost,
		TotalTokens:    t.state.TotalTokens,
		MessageCount:   t.state.MessageCount,
		CostPerMessage: t.state.CostPerMessage(),
	}
}

// Snapshot returns a copy of the current session totals
func (t *Tracker) Snapshot() model.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.state
	s.CostByModel = maps.Clone(t.state.CostByModel)
	return s
}

// HistoricalTotal returns the cumulative total stored by the ledger's last
// event. It is for display and never feeds the session totals.
func (t *Tracker) HistoricalTotal(ctx context.Context) float64 {
	if t.ledger == nil {
		return 0
	}
	total, err := t.ledger.LastCumulativeTotal(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("failed to read historical total", zap.Error(err))
		return 0
	}
	return total
}
