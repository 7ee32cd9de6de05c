// Package usage keeps a ledger of model calls. Entries are produced from
// metrics.Call records, buffered and written in batches to SQLite,
// PostgreSQL or MongoDB.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"modelhub/internal/metrics"
)

// Store persists usage entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// WriteBatch inserts entries; an entry whose ID already exists is skipped.
	WriteBatch(ctx context.Context, entries []*UsageEntry) error
	// Flush forces pending writes. Called on shutdown.
	Flush(ctx context.Context) error
	// Close stops background work. The database itself belongs to storage.
	Close() error
}

// UsageEntry is one completed model call.
type UsageEntry struct {
	ID            string    `json:"id" bson:"_id"`
	RequestID     string    `json:"request_id" bson:"request_id"`
	ResponseID    string    `json:"response_id" bson:"response_id"`
	Timestamp     time.Time `json:"timestamp" bson:"timestamp"`
	ModelID       string    `json:"model_id" bson:"model_id"`
	Vendor        string    `json:"vendor" bson:"vendor"`
	Operation     string    `json:"operation" bson:"operation"`
	InputTokens   int       `json:"input_tokens" bson:"input_tokens"`
	OutputTokens  int       `json:"output_tokens" bson:"output_tokens"`
	TotalTokens   int       `json:"total_tokens" bson:"total_tokens"`
	LatencyMillis int64     `json:"latency_ms" bson:"latency_ms"`
	Success       bool      `json:"success" bson:"success"`
	ErrorKind     string    `json:"error_kind,omitempty" bson:"error_kind,omitempty"`
}

// FromCall converts a finished call into a ledger entry.
func FromCall(c metrics.Call) *UsageEntry {
	ts := time.Now()
	if !c.Started.IsZero() {
		ts = c.Started.Add(c.Duration)
	}
	return &UsageEntry{
		ID:            uuid.NewString(),
		RequestID:     c.RequestID,
		ResponseID:    c.ResponseID,
		Timestamp:     ts.UTC(),
		ModelID:       c.ModelID,
		Vendor:        string(c.Vendor),
		Operation:     string(c.Operation),
		InputTokens:   c.Usage.PromptTokens,
		OutputTokens:  c.Usage.CompletionTokens,
		TotalTokens:   c.Usage.TotalTokens,
		LatencyMillis: c.Duration.Milliseconds(),
		Success:       c.Err == nil,
		ErrorKind:     string(c.ErrorKind()),
	}
}

// Config controls the ledger.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// RetentionDays of 0 keeps entries forever.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns a disabled ledger with production buffer sizes.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 90,
	}
}
