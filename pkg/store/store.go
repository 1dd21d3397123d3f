// Package store is the conductor's StateStore: a crash-safe SQLite-backed
// record of worker lifecycle state and a store-and-forward message queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AgentStatus is the persisted lifecycle status of a worker.
type AgentStatus string

const (
	StatusRunning AgentStatus = "running"
	StatusStopped AgentStatus = "stopped"
	StatusFailed  AgentStatus = "failed"
)

// AgentStateRow is the persisted row for one worker.
type AgentStateRow struct {
	AgentID      string
	Status       AgentStatus
	PID          *int
	LastHealthAt *time.Time
	UpdatedAt    time.Time
}

// PendingMessage is a persisted message awaiting delivery to an offline
// recipient.
type PendingMessage struct {
	ID          string
	Topic       string
	Sender      string
	Recipient   string
	Payload     []byte
	EnqueuedAt  time.Time
}

// Store is a handle to the conductor's embedded database. It is safe for
// concurrent use; the underlying *sql.DB is opened with a single
// connection, matching SQLite's single-writer discipline.
type Store struct {
	db *sql.DB
}

const rfc3339 = time.RFC3339Nano

// Open creates the parent directory if missing, opens (creating if
// necessary) the SQLite database at path, and runs idempotent schema
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_states (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL CHECK(status IN ('running','stopped','failed')),
			pid INTEGER,
			last_health_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			payload BLOB NOT NULL,
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_messages_recipient ON pending_messages(recipient)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_messages_topic ON pending_messages(topic)`,
		// Reserved for future use; never written by this repository.
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload BLOB,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAgentState inserts or updates a worker's state row, stamping
// updated_at with the current time.
func (s *Store) UpsertAgentState(ctx context.Context, agentID string, status AgentStatus, pid *int) error {
	now := time.Now().UTC().Format(rfc3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_states (agent_id, status, pid, last_health_at, updated_at)
		VALUES (?, ?, ?, NULL, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			updated_at = excluded.updated_at
	`, agentID, string(status), nullableInt(pid), now)
	if err != nil {
		return fmt.Errorf("store: upsert agent state: %w", err)
	}
	return nil
}

// RecordHealth stamps last_health_at and updated_at for an existing row.
// It is a silent no-op if the row is absent.
func (s *Store) RecordHealth(ctx context.Context, agentID string) error {
	now := time.Now().UTC().Format(rfc3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_states SET last_health_at = ?, updated_at = ? WHERE agent_id = ?
	`, now, now, agentID)
	if err != nil {
		return fmt.Errorf("store: record health: %w", err)
	}
	return nil
}

// GetAgentState returns the persisted row for agentID, or nil if absent.
func (s *Store) GetAgentState(ctx context.Context, agentID string) (*AgentStateRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, status, pid, last_health_at, updated_at FROM agent_states WHERE agent_id = ?
	`, agentID)

	var r AgentStateRow
	var pid sql.NullInt64
	var lastHealth sql.NullString
	var updatedAt string
	if err := row.Scan(&r.AgentID, &r.Status, &pid, &lastHealth, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get agent state: %w", err)
	}
	if pid.Valid {
		v := int(pid.Int64)
		r.PID = &v
	}
	if lastHealth.Valid {
		t, err := time.Parse(rfc3339, lastHealth.String)
		if err == nil {
			r.LastHealthAt = &t
		}
	}
	t, err := time.Parse(rfc3339, updatedAt)
	if err == nil {
		r.UpdatedAt = t
	}
	return &r, nil
}

// QueueMessage inserts a new pending message and returns its id.
func (s *Store) QueueMessage(ctx context.Context, topic, sender, recipient string, payload []byte) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC().Format(rfc3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_messages (id, topic, sender, recipient, payload, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, topic, sender, recipient, payload, now)
	if err != nil {
		return "", fmt.Errorf("store: queue message: %w", err)
	}
	return id, nil
}

// DrainMessages returns all pending messages for recipient in enqueue
// order, then deletes them. The read and delete happen inside one
// transaction so a concurrent caller for the same recipient observes
// either all of the affected rows or none of them.
func (s *Store) DrainMessages(ctx context.Context, recipient string) ([]PendingMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: drain messages: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic, sender, recipient, payload, enqueued_at
		FROM pending_messages WHERE recipient = ? ORDER BY rowid ASC
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("store: drain messages: select: %w", err)
	}

	var msgs []PendingMessage
	for rows.Next() {
		var m PendingMessage
		var enqueuedAt string
		if err := rows.Scan(&m.ID, &m.Topic, &m.Sender, &m.Recipient, &m.Payload, &enqueuedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: drain messages: scan: %w", err)
		}
		if t, err := time.Parse(rfc3339, enqueuedAt); err == nil {
			m.EnqueuedAt = t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("store: drain messages: rows: %w", err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_messages WHERE recipient = ?`, recipient); err != nil {
		return nil, fmt.Errorf("store: drain messages: delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: drain messages: commit: %w", err)
	}
	return msgs, nil
}

// CountPending returns the number of pending messages queued for recipient.
func (s *Store) CountPending(ctx context.Context, recipient string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_messages WHERE recipient = ?`, recipient).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return n, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
