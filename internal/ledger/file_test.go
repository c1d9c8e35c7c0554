package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

func testEvent(i int, total float64) model.UsageEvent {
	return model.UsageEvent{
		Timestamp:        time.Date(2025, 5, 28, 14, 0, i, 0, time.UTC),
		SessionID:        "s1",
		Model:            "vertex/gemini-2.0-flash-001",
		PromptTokens:     100,
		CompletionTokens: 50,
		Cost:             0.00006,
		SessionTotal:     total,
	}
}

func collect(t *testing.T, l Ledger) []model.UsageEvent {
	t.Helper()
	var events []model.UsageEvent
	for ev := range l.Events(context.Background()) {
		events = append(events, ev)
	}
	return events
}

func TestFileLedger_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat_costs.log")
	l := NewFileLedger(path)

	assert.Empty(t, collect(t, l))

	total, err := l.LastCumulativeTotal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "reading must not create the file")
}

func TestFileLedger_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat_costs.log")
	l := NewFileLedger(path)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testEvent(1, 0.00006)))
	require.NoError(t, l.Append(ctx, testEvent(2, 0.00012)))

	events := collect(t, l)
	require.Len(t, events, 2)
	assert.Equal(t, "vertex/gemini-2.0-flash-001", events[0].Model)
	assert.Equal(t, int64(150), events[0].TotalTokens())
	assert.True(t, events[1].Timestamp.Equal(testEvent(2, 0).Timestamp))
	assert.Equal(t, "s1", events[1].SessionID)

	total, err := l.LastCumulativeTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.00012, total, 1e-12)

	// a second pass replays from the start
	assert.Len(t, collect(t, l), 2)
}

func TestFileLedger_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_costs.log")
	content := `{"timestamp": "2025-05-28T14:03:11.123456", "model": "vertex/gemini-2.0-flash-001", "prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150, "cost_usd": 0.00006, "session_total": 0.00006}
not json at all
{"timestamp": "yesterday", "model": "x", "cost_usd": 0.1, "session_total": 0.1}

{"timestamp": "2025-05-28T14:05:00", "prompt_tokens": 10}
{"timestamp": "2025-05-28T14:06:00.5", "model": "vertex/gemini-2.5-pro-preview-05-06", "prompt_tokens": 1000, "completion_tokens": 1000, "total_tokens": 2000, "cost_usd": 0.0015, "session_total": 0.00156}
{"timestamp": "2025-05-28T14:07:00", "model": "bad", "cost_usd": 9, "session_tot
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	l := NewFileLedger(path)
	events := collect(t, l)
	require.Len(t, events, 2)
	assert.Equal(t, "vertex/gemini-2.5-pro-preview-05-06", events[1].Model)
	assert.InDelta(t, 0.0015, events[1].Cost, 1e-12)

	total, err := l.LastCumulativeTotal(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.00156, total, 1e-12)
}

func TestFileLedger_EarlyBreak(t *testing.T) {
	l := NewFileLedger(filepath.Join(t.TempDir(), "chat_costs.log"))
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, l.Append(ctx, testEvent(i, float64(i))))
	}

	seen := 0
	for range l.Events(ctx) {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestFileLedger_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_costs.log")
	ctx := context.Background()

	// two handles on one file, as with two processes
	a := NewFileLedger(path)
	b := NewFileLedger(path)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := a
			if i%2 == 1 {
				l = b
			}
			ev := testEvent(i%60, float64(i))
			ev.SessionID = fmt.Sprintf("session-%d", i)
			assert.NoError(t, l.Append(ctx, ev))
		}(i)
	}
	wg.Wait()

	events := collect(t, a)
	assert.Len(t, events, 50)
}

func TestFileLedger_SkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_costs.log")
	l := NewFileLedger(path)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testEvent(1, 0.5)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(append(bytes.Repeat([]byte("x"), 2*maxLineSize), '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(ctx, testEvent(2, 0.75)))

	events := collect(t, l)
	require.Len(t, events, 2)
	assert.InDelta(t, 0.75, events[1].SessionTotal, 1e-12)

	total, err := l.LastCumulativeTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-12)
}

func TestFileLedger_LastLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_costs.log")
	content := `{"timestamp": "2025-05-28T14:03:11", "model": "m", "cost_usd": 0.1, "session_total": 0.1}` + "\r\n" +
		`{"timestamp": "2025-05-28T14:04:11", "model": "m", "cost_usd": 0.2, "session_total": 0.3}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	total, err := NewFileLedger(path).LastCumulativeTotal(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, total, 1e-12)
}
