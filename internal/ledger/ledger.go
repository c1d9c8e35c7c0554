// Package ledger persists usage events as an append-only sequence and
// replays them for reporting. Backends only ever insert; nothing in this
// package rewrites or truncates stored events.
package ledger

import (
	"context"
	"fmt"
	"iter"

	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// Backend types
const (
	TypeFile     = "file"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeRedis    = "redis"
)

// Ledger is a durable, append-only sequence of usage events
type Ledger interface {
	// Append stores one event. Each call is independent of prior content.
	Append(ctx context.Context, ev model.UsageEvent) error

	// Events replays stored events in append order. Unreadable entries are
	// skipped. Every call starts again from the beginning.
	Events(ctx context.Context) iter.Seq[model.UsageEvent]

	// LastCumulativeTotal returns the session total recorded by the last
	// event, or zero when nothing has been stored.
	LastCumulativeTotal(ctx context.Context) (float64, error)

	// Close releases the backend's resources
	Close() error
}

// Config selects and configures a ledger backend
type Config struct {
	Type     string         `yaml:"type" mapstructure:"type"`
	Path     string         `yaml:"path" mapstructure:"path"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
	Redis    RedisConfig    `yaml:"redis,omitempty" mapstructure:"redis"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Database string `yaml:"database" mapstructure:"database"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// RedisConfig contains Redis-specific configuration
type RedisConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Password string `yaml:"password" mapstructure:"password"`
	Database int    `yaml:"database" mapstructure:"database"`
	Key      string `yaml:"key" mapstructure:"key"`
}

// New creates a ledger for the configured backend. An empty type selects
// the JSONL file backend.
func New(cfg Config) (Ledger, error) {
	switch cfg.Type {
	case "", TypeFile:
		return NewFileLedger(cfg.Path), nil
	case TypeSQLite:
		return NewSQLiteLedger(cfg.SQLite)
	case TypePostgres:
		return NewPostgresLedger(cfg.Postgres)
	case TypeRedis:
		return NewRedisLedger(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", cfg.Type)
	}
}
