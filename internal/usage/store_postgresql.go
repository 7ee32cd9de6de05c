package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS model_usage (
	id UUID PRIMARY KEY,
	request_id TEXT NOT NULL,
	response_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	model_id TEXT NOT NULL,
	vendor TEXT NOT NULL,
	operation TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL,
	error_kind TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_model_usage_timestamp ON model_usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_model_usage_model ON model_usage(model_id);
CREATE INDEX IF NOT EXISTS idx_model_usage_request ON model_usage(request_id);`

const postgresInsert = `INSERT INTO model_usage (id, request_id, response_id, timestamp, model_id, vendor,
	operation, input_tokens, output_tokens, total_tokens, latency_ms, success, error_kind)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO NOTHING`

// PostgreSQLStore writes entries to the model_usage table.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewPostgreSQLStore creates the schema and, with a positive retention,
// starts the cleanup loop.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("postgresql pool is required")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	s := &PostgreSQLStore{pool: pool, retentionDays: retentionDays, stop: make(chan struct{})}
	if retentionDays > 0 {
		go runCleanupLoop(s.stop, CleanupInterval, s.cleanup)
	}
	return s, nil
}

// WriteBatch queues every insert in one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(postgresInsert,
				e.ID, e.RequestID, e.ResponseID, e.Timestamp, e.ModelID, e.Vendor, e.Operation,
				e.InputTokens, e.OutputTokens, e.TotalTokens, e.LatencyMillis, e.Success, e.ErrorKind)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert %d usage entries: %w", len(entries), err)
		}
		return nil
	})
}

// Flush is a no-op; writes are synchronous.
func (s *PostgreSQLStore) Flush(context.Context) error { return nil }

// Close stops the cleanup loop.
func (s *PostgreSQLStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM model_usage WHERE timestamp < $1`, retentionCutoff(time.Now(), s.retentionDays))
	if err != nil {
		slog.Error("failed to clean up usage entries", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		slog.Info("cleaned up usage entries", "deleted", n)
	}
}
