package ledger

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	assert "github.com/stretchr/testify/assert"
	require "github.com/stretchr/testify/require"
)

func setupRedisLedger(t *testing.T, key string) (*RedisLedger, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := newRedisLedger(client, key)
	t.Cleanup(func() { _ = l.Close() })
	return l, client
}

func TestRedisLedger_EmptyKey(t *testing.T) {
	l, _ := setupRedisLedger(t, "")
	assert.Equal(t, "goop:ledger", l.key)

	assert.Empty(t, collect(t, l))

	total, err := l.LastCumulativeTotal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRedisLedger_PagesAcrossBoundary(t *testing.T) {
	l, _ := setupRedisLedger(t, "test:ledger")
	ctx := context.Background()

	const n = 2*redisPageSize + 3
	for i := range n {
		require.NoError(t, l.Append(ctx, testEvent(i%60, float64(i+1))))
	}

	events := collect(t, l)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.InDelta(t, float64(i+1), ev.SessionTotal, 1e-12, "event %d out of order", i)
	}

	total, err := l.LastCumulativeTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, float64(n), total, 1e-12)
}

func TestRedisLedger_ExactPageMultiple(t *testing.T) {
	l, _ := setupRedisLedger(t, "test:ledger")
	ctx := context.Background()

	for i := range redisPageSize {
		require.NoError(t, l.Append(ctx, testEvent(i%60, float64(i))))
	}
	assert.Len(t, collect(t, l), redisPageSize)
}

func TestRedisLedger_SkipsMalformedEntries(t *testing.T) {
	l, client := setupRedisLedger(t, "test:ledger")
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, testEvent(1, 0.1)))
	require.NoError(t, client.RPush(ctx, "test:ledger", "not json").Err())
	require.NoError(t, l.Append(ctx, testEvent(2, 0.2)))
	require.NoError(t, client.RPush(ctx, "test:ledger", `{"timestamp":"2025-05-28T14:00:00Z","model":"m","cost_usd":0.1,"session_tot`).Err())

	events := collect(t, l)
	require.Len(t, events, 2)

	// the tail is corrupt, so the total comes from a full scan
	total, err := l.LastCumulativeTotal(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, total, 1e-12)
}

func TestNewRedisLedger_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	l, err := NewRedisLedger(RedisConfig{Host: mr.Host(), Port: port, Key: "goop:test"})
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	require.NoError(t, l.Append(context.Background(), testEvent(1, 0.5)))
	vals, err := mr.List("goop:test")
	require.NoError(t, err)
	assert.Len(t, vals, 1)

	mr.Close()
	_, err = NewRedisLedger(RedisConfig{Host: "127.0.0.1", Port: port})
	assert.Error(t, err)
}
