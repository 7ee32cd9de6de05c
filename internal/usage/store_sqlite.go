package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// sqliteTime sorts lexically in the same order as the instants it encodes.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const (
	sqliteColumns     = 13
	sqliteMaxParams   = 999
	sqliteBatchChunks = sqliteMaxParams / sqliteColumns
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS model_usage (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	response_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	model_id TEXT NOT NULL,
	vendor TEXT NOT NULL,
	operation TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	success INTEGER NOT NULL,
	error_kind TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_model_usage_timestamp ON model_usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_model_usage_model ON model_usage(model_id);
CREATE INDEX IF NOT EXISTS idx_model_usage_request ON model_usage(request_id);`

// SQLiteStore writes entries to the model_usage table.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stop          chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewSQLiteStore creates the schema and, with a positive retention, starts
// the cleanup loop.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("sqlite database is required")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	s := &SQLiteStore{db: db, retentionDays: retentionDays, stop: make(chan struct{}), now: time.Now}
	if retentionDays > 0 {
		go runCleanupLoop(s.stop, CleanupInterval, s.cleanup)
	}
	return s, nil
}

// WriteBatch inserts entries in chunks that fit SQLite's parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	for start := 0; start < len(entries); start += sqliteBatchChunks {
		chunk := entries[start:min(start+sqliteBatchChunks, len(entries))]

		rows := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*sqliteColumns)
		for i, e := range chunk {
			rows[i] = "(?" + strings.Repeat(", ?", sqliteColumns-1) + ")"
			args = append(args,
				e.ID, e.RequestID, e.ResponseID, e.Timestamp.UTC().Format(sqliteTime),
				e.ModelID, e.Vendor, e.Operation,
				e.InputTokens, e.OutputTokens, e.TotalTokens, e.LatencyMillis,
				e.Success, e.ErrorKind,
			)
		}
		query := `INSERT OR IGNORE INTO model_usage (id, request_id, response_id, timestamp, model_id, vendor,
			operation, input_tokens, output_tokens, total_tokens, latency_ms, success, error_kind) VALUES ` +
			strings.Join(rows, ",")
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert usage chunk at %d: %w", start, err)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *SQLiteStore) Flush(context.Context) error { return nil }

// Close stops the cleanup loop.
func (s *SQLiteStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *SQLiteStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := s.deleteBefore(ctx, retentionCutoff(s.now(), s.retentionDays))
	if err != nil {
		slog.Error("failed to clean up usage entries", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleaned up usage entries", "deleted", n)
	}
}

func (s *SQLiteStore) deleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_usage WHERE timestamp < ?`, cutoff.UTC().Format(sqliteTime))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
