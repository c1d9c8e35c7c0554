package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/model"
)

// timestamps are stored as fixed-width UTC text so that string order is
// time order and re-sent events hit the same unique key
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// Account owns sync API keys and the events pushed with them
type Account struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

// Client represents a machine running goop sync
type Client struct {
	ID         string
	AccountID  string
	Name       string
	LastSyncAt *time.Time
	CreatedAt  time.Time
}

// UsageRecord is one synced ledger event
type UsageRecord struct {
	ID               int64
	AccountID        string
	ClientID         string
	Timestamp        time.Time
	SessionID        string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	SessionTotal     float64
}

// SyncStatus is what the server knows about a client
type SyncStatus struct {
	LastSyncAt  *time.Time
	LastEventAt *time.Time
}

// Open opens a SQLite database connection
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		// avoid "database is locked" under concurrent syncs
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run %q: %w", p, err)
		}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// Migrate creates the database schema. The sessions table is the one
// scs/sqlite3store expects.
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		key_hash TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS clients (
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		name TEXT NOT NULL,
		last_sync_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (account_id, id),
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		session_total REAL NOT NULL,
		FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
		UNIQUE(account_id, client_id, timestamp, model, session_id)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_account_timestamp ON usage_events(account_id, timestamp);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		expiry REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expiry);
	`

	_, err := db.Exec(schema)
	return err
}

// CreateAccount creates a new account
func (db *DB) CreateAccount(a *Account) error {
	_, err := db.Exec(
		`INSERT INTO accounts (id, name, key_hash, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, a.Name, a.KeyHash, a.CreatedAt,
	)
	return err
}

// GetAccountByID retrieves an account, or nil when it does not exist
func (db *DB) GetAccountByID(id string) (*Account, error) {
	a := &Account{}
	err := db.QueryRow(
		`SELECT id, name, key_hash, created_at FROM accounts WHERE id = ?`,
		id,
	).Scan(&a.ID, &a.Name, &a.KeyHash, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetOrCreateClient gets an existing client or registers a new one
func (db *DB) GetOrCreateClient(accountID, clientID, clientName string) (*Client, error) {
	client := &Client{}
	var lastSyncAt sql.NullTime
	err := db.QueryRow(
		`SELECT id, account_id, name, last_sync_at, created_at FROM clients WHERE id = ? AND account_id = ?`,
		clientID, accountID,
	).Scan(&client.ID, &client.AccountID, &client.Name, &lastSyncAt, &client.CreatedAt)

	if err == nil {
		if lastSyncAt.Valid {
			client.LastSyncAt = &lastSyncAt.Time
		}
		return client, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now()
	_, err = db.Exec(
		`INSERT INTO clients (id, account_id, name, created_at) VALUES (?, ?, ?, ?)`,
		clientID, accountID, clientName, now,
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		ID:        clientID,
		AccountID: accountID,
		Name:      clientName,
		CreatedAt: now,
	}, nil
}

// UpdateClientLastSync updates the last sync time for a client
func (db *DB) UpdateClientLastSync(accountID, clientID string, lastSyncAt time.Time) error {
	_, err := db.Exec(`UPDATE clients SET last_sync_at = ? WHERE id = ? AND account_id = ?`, lastSyncAt, clientID, accountID)
	return err
}

// GetClientSyncStatus returns when a client last synced and the newest
// event the server holds for it. Both are nil for an unknown client.
func (db *DB) GetClientSyncStatus(accountID, clientID string) (*SyncStatus, error) {
	status := &SyncStatus{}

	var lastSyncAt sql.NullTime
	err := db.QueryRow(
		`SELECT last_sync_at FROM clients WHERE id = ? AND account_id = ?`,
		clientID, accountID,
	).Scan(&lastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSyncAt.Valid {
		status.LastSyncAt = &lastSyncAt.Time
	}

	var lastEvent sql.NullString
	err = db.QueryRow(
		`SELECT MAX(timestamp) FROM usage_events WHERE account_id = ? AND client_id = ?`,
		accountID, clientID,
	).Scan(&lastEvent)
	if err != nil {
		return nil, err
	}
	if lastEvent.Valid {
		ts, err := time.Parse(timeLayout, lastEvent.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt event timestamp %q: %w", lastEvent.String, err)
		}
		status.LastEventAt = &ts
	}

	return status, nil
}

// InsertUsageRecords inserts multiple usage records, ignoring duplicates.
// The client's cost is kept as sent; it was priced with the table the
// client had at the time.
func (db *DB) InsertUsageRecords(records []UsageRecord) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO usage_events
		(account_id, client_id, timestamp, session_id, model,
		 prompt_tokens, completion_tokens, cost_usd, session_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var inserted int64
	for _, r := range records {
		result, err := stmt.Exec(
			r.AccountID, r.ClientID, r.Timestamp.UTC().Format(timeLayout), r.SessionID, r.Model,
			r.PromptTokens, r.CompletionTokens, r.Cost, r.SessionTotal,
		)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		inserted += n
	}

	return inserted, tx.Commit()
}

// EventFilter narrows Events to one client
type EventFilter struct {
	ClientID string
}

// Events yields an account's synced events oldest first. A query error ends
// the sequence and is logged.
func (db *DB) Events(ctx context.Context, accountID string, f EventFilter) iter.Seq[model.UsageEvent] {
	return func(yield func(model.UsageEvent) bool) {
		log := logger.FromContext(ctx)

		query := `SELECT timestamp, session_id, model, prompt_tokens, completion_tokens, cost_usd, session_total
			FROM usage_events WHERE account_id = ?`
		args := []any{accountID}
		if f.ClientID != "" {
			query += ` AND client_id = ?`
			args = append(args, f.ClientID)
		}
		query += ` ORDER BY timestamp, id`

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			log.Error("failed to query usage events", zap.String("account", accountID), zap.Error(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var ev model.UsageEvent
			var ts string
			if err := rows.Scan(&ts, &ev.SessionID, &ev.Model, &ev.PromptTokens, &ev.CompletionTokens, &ev.Cost, &ev.SessionTotal); err != nil {
				log.Error("failed to scan usage event", zap.Error(err))
				return
			}
			if ev.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
				log.Debug("skipping event with bad timestamp", zap.String("timestamp", ts))
				continue
			}
			if !yield(ev) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			log.Error("failed to read usage events", zap.Error(err))
		}
	}
}
