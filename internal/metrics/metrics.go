// Package metrics defines what the metrics decorator reports about model
// calls and the collectors that consume it.
package metrics

import (
	"context"
	"time"

	"modelhub/internal/core"
)

// Operation names a model entry point.
type Operation string

const (
	OpGenerate       Operation = "generate"
	OpChat           Operation = "chat"
	OpGenerateStream Operation = "generate_stream"
	OpChatStream     Operation = "chat_stream"
)

// Streaming reports whether op is a stream call.
func (op Operation) Streaming() bool {
	return op == OpGenerateStream || op == OpChatStream
}

// Call is the outcome of one model invocation.
type Call struct {
	RequestID  string
	ModelID    string
	Vendor     core.Vendor
	Operation  Operation
	Started    time.Time
	Duration   time.Duration
	Usage      core.TokenUsage
	ResponseID string
	// Err is nil on success.
	Err error
}

// ErrorKind returns the taxonomy kind of the failure, or "" on success.
func (c Call) ErrorKind() core.ErrorKind {
	if c.Err == nil {
		return ""
	}
	return core.KindOf(c.Err)
}

// Collector receives call outcomes. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Collector interface {
	// StreamStarted is called when a stream has been opened.
	StreamStarted(ctx context.Context, c Call)
	// Record is called once per finished call or stream.
	Record(ctx context.Context, c Call)
}

// CacheRecorder is implemented by collectors that count cache lookups.
type CacheRecorder interface {
	RecordCacheLookup(modelID string, hit bool)
}

// Nop discards everything.
type Nop struct{}

func (Nop) StreamStarted(context.Context, Call) {}
func (Nop) Record(context.Context, Call)        {}

// Multi fans out to every non-nil collector in order.
func Multi(collectors ...Collector) Collector {
	out := make(multi, 0, len(collectors))
	for _, c := range collectors {
		if c != nil {
			out = append(out, c)
		}
	}
	switch len(out) {
	case 0:
		return Nop{}
	case 1:
		return out[0]
	}
	return out
}

type multi []Collector

func (m multi) StreamStarted(ctx context.Context, c Call) {
	for _, col := range m {
		col.StreamStarted(ctx, c)
	}
}

func (m multi) Record(ctx context.Context, c Call) {
	for _, col := range m {
		col.Record(ctx, c)
	}
}

func (m multi) RecordCacheLookup(modelID string, hit bool) {
	for _, col := range m {
		if r, ok := col.(CacheRecorder); ok {
			r.RecordCacheLookup(modelID, hit)
		}
	}
}
