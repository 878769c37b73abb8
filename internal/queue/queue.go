// Package queue implements the durable outbox of pending outbound work.
//
// Entries are persisted to SQLite before Enqueue returns, so a crash
// immediately after a mutation still has the work queued on next
// startup. Order keys increase strictly across all entries a process
// ever enqueues, including after restart, and consumption is two-phase
// (peek, then remove only after the remote confirmed the dispatch),
// which gives at-least-once delivery.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coppermind/shoebox/internal/ops"
)

// OutgoingUpdate type discriminators.
const (
	TypeUpdate = "update"
	TypeUpload = "upload"
)

// Upload carries a binary asset destined for the remote store.
type Upload struct {
	PartitionID string `json:"partition_id"`
	RecordID    string `json:"record_id"`
	Kind        string `json:"kind"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// OutgoingUpdate is a tagged variant over update/upload.
type OutgoingUpdate struct {
	Type   string           `json:"type"`
	Ops    []ops.DatabaseOp `json:"ops,omitempty"`
	Upload *Upload          `json:"upload,omitempty"`
}

// NewUpdate wraps database operations as an outgoing update.
func NewUpdate(dbOps ...ops.DatabaseOp) OutgoingUpdate {
	return OutgoingUpdate{Type: TypeUpdate, Ops: dbOps}
}

// NewUpload wraps an asset upload as an outgoing update.
func NewUpload(up Upload) OutgoingUpdate {
	return OutgoingUpdate{Type: TypeUpload, Upload: &up}
}

// Entry is a queued update plus its assigned order key.
type Entry struct {
	OrderKey int64
	Update   OutgoingUpdate
}

// Queue is the durable FIFO outbox.
type Queue struct {
	conn *sql.DB

	mu      sync.Mutex
	lastKey int64
}

// New creates a queue on the given database connection, creating its
// table if missing and seeding the order-key counter from the largest
// key already persisted.
func New(conn *sql.DB) (*Queue, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		order_key INTEGER PRIMARY KEY,
		payload TEXT NOT NULL  -- JSON OutgoingUpdate
	);
	`
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}

	q := &Queue{conn: conn}

	var last sql.NullInt64
	row := conn.QueryRow(`SELECT MAX(order_key) FROM outbox`)
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read outbox high water mark: %w", err)
	}
	if last.Valid {
		q.lastKey = last.Int64
	}

	return q, nil
}

// nextOrderKey returns a fresh strictly-increasing order key.
// Wall-clock microseconds, bumped past the previous key on ties or
// clock regression.
func (q *Queue) nextOrderKey() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := time.Now().UnixMicro()
	if key <= q.lastKey {
		key = q.lastKey + 1
	}
	q.lastKey = key
	return key
}

// Enqueue persists an update at the tail of the queue.
// The entry is durable before Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, update OutgoingUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	key := q.nextOrderKey()
	_, err = q.conn.ExecContext(ctx,
		`INSERT INTO outbox (order_key, payload) VALUES (?, ?)`,
		key, string(payload))
	if err != nil {
		return fmt.Errorf("failed to enqueue update: %w", err)
	}
	return nil
}

// PeekOldest returns the entry with the smallest order key without
// removing it. ok is false when the queue is empty.
func (q *Queue) PeekOldest(ctx context.Context) (Entry, bool, error) {
	var (
		entry   Entry
		payload string
	)
	row := q.conn.QueryRowContext(ctx,
		`SELECT order_key, payload FROM outbox ORDER BY order_key ASC LIMIT 1`)
	if err := row.Scan(&entry.OrderKey, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to peek outbox: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &entry.Update); err != nil {
		return Entry{}, false, fmt.Errorf("failed to decode outbox entry %d: %w", entry.OrderKey, err)
	}
	return entry, true, nil
}

// RemoveOldest deletes the entry with the given order key.
// Callers remove only after the remote confirmed the dispatch.
// Removing an already-removed key is a no-op (idempotent).
func (q *Queue) RemoveOldest(ctx context.Context, orderKey int64) error {
	if _, err := q.conn.ExecContext(ctx,
		`DELETE FROM outbox WHERE order_key = ?`, orderKey); err != nil {
		return fmt.Errorf("failed to remove outbox entry %d: %w", orderKey, err)
	}
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	row := q.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}
