package usage

import (
	"context"
	"time"
)

// Query narrows a ledger read. Zero values leave a bound open.
type Query struct {
	Since   time.Time
	Until   time.Time
	ModelID string
}

// Summary aggregates a set of entries.
type Summary struct {
	Requests     int64   `json:"requests"`
	Failures     int64   `json:"failures"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ModelUsage is a Summary for one model.
type ModelUsage struct {
	ModelID string `json:"model_id"`
	Summary
}

// Reader answers aggregate queries over the ledger.
type Reader interface {
	Summary(ctx context.Context, q Query) (*Summary, error)
	// ByModel returns one row per model, ordered by model id.
	ByModel(ctx context.Context, q Query) ([]ModelUsage, error)
}
