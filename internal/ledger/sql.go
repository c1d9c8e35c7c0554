package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cost REAL NOT NULL,
	session_total REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id BIGSERIAL PRIMARY KEY,
	timestamp TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	prompt_tokens BIGINT NOT NULL,
	completion_tokens BIGINT NOT NULL,
	total_tokens BIGINT NOT NULL,
	cost DOUBLE PRECISION NOT NULL,
	session_total DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_timestamp ON usage_events(timestamp);
`

const insertEventSQL = `INSERT INTO usage_events
	(timestamp, session_id, model, prompt_tokens, completion_tokens, total_tokens, cost, session_total)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const selectEventsSQL = `SELECT timestamp, session_id, model, prompt_tokens, completion_tokens, cost, session_total
	FROM usage_events ORDER BY id`

const lastTotalSQL = `SELECT timestamp, session_total FROM usage_events ORDER BY id DESC`

// SQLLedger stores events as rows of an insert-only table
type SQLLedger struct {
	db       *sql.DB
	postgres bool
}

// NewSQLiteLedger opens (or creates) a SQLite ledger database
func NewSQLiteLedger(cfg SQLiteConfig) (*SQLLedger, error) {
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &SQLLedger{db: db}, nil
}

// NewPostgresLedger connects to PostgreSQL and ensures the ledger table exists
func NewPostgresLedger(cfg PostgresConfig) (*SQLLedger, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &SQLLedger{db: db, postgres: true}, nil
}

// Append inserts one row
func (l *SQLLedger) Append(ctx context.Context, ev model.UsageEvent) error {
	_, err := l.db.ExecContext(ctx, l.rebind(insertEventSQL),
		ev.Timestamp.Format(time.RFC3339Nano),
		ev.SessionID,
		ev.Model,
		ev.PromptTokens,
		ev.CompletionTokens,
		ev.TotalTokens(),
		ev.Cost,
		ev.SessionTotal,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

// Events replays rows in insertion order
func (l *SQLLedger) Events(ctx context.Context) iter.Seq[model.UsageEvent] {
	return func(yield func(model.UsageEvent) bool) {
		log := logger.FromContext(ctx)

		rows, err := l.db.QueryContext(ctx, selectEventsSQL)
		if err != nil {
			log.Warn("failed to query ledger", zap.Error(err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				ts string
				ev model.UsageEvent
			)
			if err := rows.Scan(&ts, &ev.SessionID, &ev.Model, &ev.PromptTokens,
				&ev.CompletionTokens, &ev.Cost, &ev.SessionTotal); err != nil {
				log.Debug("skipping unreadable ledger row", zap.Error(err))
				continue
			}
			ev.Timestamp, err = parseTimestamp(ts)
			if err != nil {
				log.Debug("skipping ledger row", zap.Error(err))
				continue
			}
			if !yield(ev) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			log.Warn("ledger read stopped early", zap.Error(err))
		}
	}
}

// LastCumulativeTotal reads the session total of the newest row that Events
// would also yield, skipping rows with an unreadable timestamp
func (l *SQLLedger) LastCumulativeTotal(ctx context.Context) (float64, error) {
	rows, err := l.db.QueryContext(ctx, lastTotalSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to read last session total: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			ts    string
			total float64
		)
		if err := rows.Scan(&ts, &total); err != nil {
			continue
		}
		if _, err := parseTimestamp(ts); err != nil {
			continue
		}
		return total, nil
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read last session total: %w", err)
	}
	return 0, nil
}

// Close closes the database connection
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

// rebind converts ? placeholders to $n for PostgreSQL
func (l *SQLLedger) rebind(query string) string {
	if !l.postgres {
		return query
	}
	return rebindPostgres(query)
}

func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
