package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const aggregateColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(total_tokens), 0),
	CAST(COALESCE(AVG(latency_ms), 0) AS DOUBLE PRECISION)`

// sqlWhere builds the filter with placeholders produced by ph.
func sqlWhere(q Query, ph func(n int) string, ts func(time.Time) any) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", ph(len(args)), 1))
	}
	if !q.Since.IsZero() {
		add("timestamp >= ?", ts(q.Since))
	}
	if !q.Until.IsZero() {
		add("timestamp < ?", ts(q.Until))
	}
	if q.ModelID != "" {
		add("model_id = ?", q.ModelID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner, prefix ...any) (Summary, error) {
	var s Summary
	dest := append(prefix, &s.Requests, &s.Failures, &s.InputTokens, &s.OutputTokens, &s.TotalTokens, &s.AvgLatencyMs)
	err := row.Scan(dest...)
	return s, err
}

// SQLiteReader reads the SQLite ledger.
type SQLiteReader struct {
	db *sql.DB
}

// NewSQLiteReader wraps db.
func NewSQLiteReader(db *sql.DB) (*SQLiteReader, error) {
	if db == nil {
		return nil, errors.New("sqlite database is required")
	}
	return &SQLiteReader{db: db}, nil
}

func (r *SQLiteReader) where(q Query) (string, []any) {
	return sqlWhere(q,
		func(int) string { return "?" },
		func(t time.Time) any { return t.UTC().Format(sqliteTime) })
}

// Summary implements Reader.
func (r *SQLiteReader) Summary(ctx context.Context, q Query) (*Summary, error) {
	where, args := r.where(q)
	s, err := scanSummary(r.db.QueryRowContext(ctx, "SELECT "+aggregateColumns+" FROM model_usage"+where, args...))
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &s, nil
}

// ByModel implements Reader.
func (r *SQLiteReader) ByModel(ctx context.Context, q Query) ([]ModelUsage, error) {
	where, args := r.where(q)
	rows, err := r.db.QueryContext(ctx,
		"SELECT model_id, "+aggregateColumns+" FROM model_usage"+where+" GROUP BY model_id ORDER BY model_id", args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	out := make([]ModelUsage, 0)
	for rows.Next() {
		var m ModelUsage
		if m.Summary, err = scanSummary(rows, &m.ModelID); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PostgreSQLReader reads the PostgreSQL ledger.
type PostgreSQLReader struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLReader wraps pool.
func NewPostgreSQLReader(pool *pgxpool.Pool) (*PostgreSQLReader, error) {
	if pool == nil {
		return nil, errors.New("postgresql pool is required")
	}
	return &PostgreSQLReader{pool: pool}, nil
}

func (r *PostgreSQLReader) where(q Query) (string, []any) {
	return sqlWhere(q,
		func(n int) string { return "$" + strconv.Itoa(n) },
		func(t time.Time) any { return t.UTC() })
}

// Summary implements Reader.
func (r *PostgreSQLReader) Summary(ctx context.Context, q Query) (*Summary, error) {
	where, args := r.where(q)
	s, err := scanSummary(r.pool.QueryRow(ctx, "SELECT "+aggregateColumns+" FROM model_usage"+where, args...))
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &s, nil
}

// ByModel implements Reader.
func (r *PostgreSQLReader) ByModel(ctx context.Context, q Query) ([]ModelUsage, error) {
	where, args := r.where(q)
	rows, err := r.pool.Query(ctx,
		"SELECT model_id, "+aggregateColumns+" FROM model_usage"+where+" GROUP BY model_id ORDER BY model_id", args...)
	if err != nil {
		return nil, fmt.Errorf("query usage by model: %w", err)
	}
	defer rows.Close()

	out := make([]ModelUsage, 0)
	for rows.Next() {
		var m ModelUsage
		if m.Summary, err = scanSummary(rows, &m.ModelID); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
