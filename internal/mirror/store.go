// Package mirror provides the local mirrored document store backing the
// sync engine.
//
// The mirror is an embedded SQLite database (ncruces/go-sqlite3) opened
// in WAL mode for concurrent reads. It holds keyed document collections
// plus the per-(partition, collection) sync cursors that track how far
// the incoming journal has been applied.
//
// Records are upserted, never physically deleted: deletion is a
// tombstone field set by the caller, so replication lag can never
// resurrect or duplicate a deleted record.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/coppermind/shoebox/internal/ops"
)

// Record is one keyed document in a collection.
type Record struct {
	Collection  string
	ID          string
	PartitionID string
	Fields      ops.Fields
}

// Store wraps the SQLite connection with mirror-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the mirror database at the specified path.
//
// The database is opened in WAL mode with a busy timeout. The schema is
// created if missing. The caller MUST call Close() when done.
//
// Example:
//
//	store, err := mirror.Open(".shoebox/mirror.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// Other components (the durable queue) share this connection so the
// whole local state lives in one database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the mirror tables if they don't exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		partition_id TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_partition
	    ON records(collection, partition_id);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		partition_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		last_update_ms INTEGER NOT NULL,
		PRIMARY KEY (partition_id, collection)
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// GetOne returns the record with the given id, or nil if absent.
func (s *Store) GetOne(ctx context.Context, collection, id string) (*Record, error) {
	var (
		rec        Record
		fieldsJSON string
	)
	row := s.conn.QueryRowContext(ctx,
		`SELECT collection, id, partition_id, fields FROM records
		 WHERE collection = ? AND id = ?`, collection, id)
	if err := row.Scan(&rec.Collection, &rec.ID, &rec.PartitionID, &fieldsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}

	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", collection, id, err)
	}
	return &rec, nil
}

// SetOne inserts or updates a record (upsert).
func (s *Store) SetOne(ctx context.Context, rec Record) error {
	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO records (collection, id, partition_id, fields, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		partition_id = excluded.partition_id,
		fields = excluded.fields,
		updated_at = excluded.updated_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.Collection,
		rec.ID,
		rec.PartitionID,
		string(fieldsJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// GetAllByIndex scans a collection for records whose field equals value.
//
// partition_id has a dedicated index; any other field is matched
// against the JSON document.
func (s *Store) GetAllByIndex(ctx context.Context, collection, field string, value string) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if field == "partition_id" {
		rows, err = s.conn.QueryContext(ctx,
			`SELECT collection, id, partition_id, fields FROM records
			 WHERE collection = ? AND partition_id = ?`, collection, value)
	} else {
		rows, err = s.conn.QueryContext(ctx,
			`SELECT collection, id, partition_id, fields FROM records
			 WHERE collection = ? AND json_extract(fields, '$.' || ?) = ?`,
			collection, field, value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s by %s: %w", collection, field, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			fieldsJSON string
		)
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.PartitionID, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode record %s/%s: %w", rec.Collection, rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetCursor returns the journal cursor for a (partition, collection)
// pair. ok is false when no initial sync has established one yet.
func (s *Store) GetCursor(ctx context.Context, partitionID, collection string) (ts int64, ok bool, err error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT last_update_ms FROM sync_cursors
		 WHERE partition_id = ? AND collection = ?`, partitionID, collection)
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get cursor %s/%s: %w", partitionID, collection, err)
	}
	return ts, true, nil
}

// Cursors returns every collection cursor stored for a partition.
func (s *Store) Cursors(ctx context.Context, partitionID string) (map[string]int64, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT collection, last_update_ms FROM sync_cursors
		 WHERE partition_id = ?`, partitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors for %s: %w", partitionID, err)
	}
	defer rows.Close()

	cursors := make(map[string]int64)
	for rows.Next() {
		var (
			collection string
			ts         int64
		)
		if err := rows.Scan(&collection, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan cursor row: %w", err)
		}
		cursors[collection] = ts
	}
	return cursors, rows.Err()
}

// AdvanceCursor moves a cursor forward to ts. A cursor never moves
// backward: an advance to an older timestamp is a no-op.
func (s *Store) AdvanceCursor(ctx context.Context, partitionID, collection string, ts int64) error {
	query := `
	INSERT INTO sync_cursors (partition_id, collection, last_update_ms)
	VALUES (?, ?, ?)
	ON CONFLICT(partition_id, collection) DO UPDATE SET
		last_update_ms = MAX(last_update_ms, excluded.last_update_ms)
	`
	if _, err := s.conn.ExecContext(ctx, query, partitionID, collection, ts); err != nil {
		return fmt.Errorf("failed to advance cursor %s/%s: %w", partitionID, collection, err)
	}
	return nil
}

// HasCursor reports whether any cursor exists for a partition, i.e.
// whether initial sync has ever completed for it.
func (s *Store) HasCursor(ctx context.Context, partitionID string) (bool, error) {
	var n int
	row := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_cursors WHERE partition_id = ?`, partitionID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count cursors for %s: %w", partitionID, err)
	}
	return n > 0, nil
}
