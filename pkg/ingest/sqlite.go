package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDedupIndex is a durable DedupIndex backed by a local sqlite file.
// It lets a restarted node skip events it already handled, at the cost of
// one indexed lookup per anchor.
type SQLiteDedupIndex struct {
	db *sql.DB
}

// NewSQLiteDedupIndex wraps an open database handle and ensures the
// schema exists.
func NewSQLiteDedupIndex(db *sql.DB) (*SQLiteDedupIndex, error) {
	s := &SQLiteDedupIndex{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteDedupIndex opens (creating if needed) the sqlite file at path.
func OpenSQLiteDedupIndex(path string) (*SQLiteDedupIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open dedup index: %w", err)
	}
	s, err := NewSQLiteDedupIndex(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDedupIndex) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS processed_events (
        content_hash TEXT PRIMARY KEY,
        block_num INTEGER NOT NULL DEFAULT 0,
        trx_id TEXT NOT NULL DEFAULT '',
        processed_at DATETIME
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Seen reports whether hash was recorded by a previous run.
func (s *SQLiteDedupIndex) Seen(ctx context.Context, hash string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE content_hash = ?`, hash)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Record stores hash with its chain position. Re-recording a hash is a
// no-op, not an error.
func (s *SQLiteDedupIndex) Record(ctx context.Context, hash string, blockNum uint32, trxID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (content_hash, block_num, trx_id, processed_at) VALUES (?, ?, ?, ?)`,
		hash, blockNum, trxID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ingest: record processed hash: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteDedupIndex) Close() error {
	return s.db.Close()
}
