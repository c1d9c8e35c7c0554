package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

const redisPageSize = 500

// RedisLedger stores events as JSON lines in a Redis list
type RedisLedger struct {
	client *redis.Client
	key    string
}

// NewRedisLedger connects to Redis and verifies the connection
func NewRedisLedger(cfg RedisConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:       cfg.Database,
		Password: cfg.Password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisLedger(client, cfg.Key), nil
}

func newRedisLedger(client *redis.Client, key string) *RedisLedger {
	if key == "" {
		key = "goop:ledger"
	}
	return &RedisLedger{client: client, key: key}
}

// Append pushes ev to the tail of the list
func (l *RedisLedger) Append(ctx context.Context, ev model.UsageEvent) error {
	line, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode usage event: %w", err)
	}
	if err := l.client.RPush(ctx, l.key, line).Err(); err != nil {
		return fmt.Errorf("failed to append to ledger: %w", err)
	}
	return nil
}

// Events pages through the list head to tail
func (l *RedisLedger) Events(ctx context.Context) iter.Seq[model.UsageEvent] {
	return func(yield func(model.UsageEvent) bool) {
		log := logger.FromContext(ctx)

		for start := int64(0); ; start += redisPageSize {
			vals, err := l.client.LRange(ctx, l.key, start, start+redisPageSize-1).Result()
			if err != nil {
				log.Warn("ledger read stopped early", zap.String("key", l.key), zap.Error(err))
				return
			}

			for _, v := range vals {
				ev, err := decodeEvent([]byte(v))
				if err != nil {
					log.Debug("skipping malformed ledger entry", zap.String("key", l.key), zap.Error(err))
					continue
				}
				if !yield(ev) {
					return
				}
			}

			if len(vals) < redisPageSize {
				return
			}
		}
	}
}

// LastCumulativeTotal reads the tail entry, falling back to a full scan
// when the tail is unreadable
func (l *RedisLedger) LastCumulativeTotal(ctx context.Context) (float64, error) {
	v, err := l.client.LIndex(ctx, l.key, -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last session total: %w", err)
	}

	if ev, err := decodeEvent([]byte(v)); err == nil {
		return ev.SessionTotal, nil
	}

	var total float64
	for ev := range l.Events(ctx) {
		total = ev.SessionTotal
	}
	return total, ctx.Err()
}

// Close closes the Redis client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
