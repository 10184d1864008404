package actionqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/aios-core/internal/scheduler"
)

// Store persists terminal actions for the CLI's "history" surface: a
// single SQLite table with JSON-marshaled Params/Result and
// RFC3339Nano timestamps.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) a SQLite-backed Store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("actionqueue: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("actionqueue: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		target TEXT NOT NULL,
		params_json TEXT NOT NULL,
		risk TEXT NOT NULL,
		priority INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		skip_reason TEXT,
		result_json TEXT,
		error TEXT,
		enqueued_at TEXT NOT NULL,
		finalized_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_finalized_at ON actions(finalized_at);
	CREATE INDEX IF NOT EXISTS idx_actions_type ON actions(type);
	`)
	return err
}

// Save upserts a (necessarily terminal) action's history record.
func (s *Store) Save(a *Action) error {
	paramsJSON, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	resultJSON, err := json.Marshal(a.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO actions (id, type, target, params_json, risk, priority, idempotency_key,
			status, attempts, skip_reason, result_json, error, enqueued_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			skip_reason = excluded.skip_reason,
			result_json = excluded.result_json,
			error = excluded.error,
			finalized_at = excluded.finalized_at
	`, a.ActionID, a.Type, a.Target, string(paramsJSON), string(a.Risk), int(a.Priority), a.IdempotencyKey,
		string(a.Status), a.Attempts, a.SkipReason, string(resultJSON), a.Error,
		a.EnqueuedAt.Format(time.RFC3339Nano), a.FinalizedAt.Format(time.RFC3339Nano))
	return err
}

// History returns the most recent limit terminal actions, newest first.
func (s *Store) History(limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, type, target, params_json, risk, priority, idempotency_key,
			status, attempts, skip_reason, result_json, error, enqueued_at, finalized_at
		FROM actions ORDER BY finalized_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Action
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) scan(rows *sql.Rows) (*Action, error) {
	var a Action
	var paramsJSON, resultJSON sql.NullString
	var priority int
	var skipReason, errMsg sql.NullString
	var enqueuedAt, finalizedAt string

	if err := rows.Scan(&a.ActionID, &a.Type, &a.Target, &paramsJSON, &a.Risk, &priority, &a.IdempotencyKey,
		&a.Status, &a.Attempts, &skipReason, &resultJSON, &errMsg, &enqueuedAt, &finalizedAt); err != nil {
		return nil, err
	}

	if paramsJSON.Valid {
		json.Unmarshal([]byte(paramsJSON.String), &a.Params)
	}
	if resultJSON.Valid {
		json.Unmarshal([]byte(resultJSON.String), &a.Result)
	}
	a.SkipReason = skipReason.String
	a.Error = errMsg.String
	a.Priority = scheduler.Priority(priority)
	a.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	a.FinalizedAt, _ = time.Parse(time.RFC3339Nano, finalizedAt)
	return &a, nil
}
