package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	mongoCollection   = "model_usage"
	mongoDuplicateKey = 11000
)

// ErrPartialWrite marks a batch where only some entries were inserted.
var ErrPartialWrite = errors.New("partial usage write")

// PartialWriteError reports how many entries of a batch failed.
type PartialWriteError struct {
	Total  int
	Failed int
	Cause  error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial usage insert: %d of %d entries failed: %v", e.Failed, e.Total, e.Cause)
}

func (e *PartialWriteError) Unwrap() []error { return []error{ErrPartialWrite, e.Cause} }

var mongoPartialWrites = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "modelhub",
	Name:      "usage_partial_write_failures_total",
	Help:      "Usage batches that MongoDB only partially inserted.",
})

// MongoDBStore writes entries to the model_usage collection. Retention is a
// TTL index on timestamp.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates the indexes.
func NewMongoDBStore(ctx context.Context, db *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if db == nil {
		return nil, errors.New("mongodb database is required")
	}
	coll := db.Collection(mongoCollection)

	ts := mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}
	if retentionDays > 0 {
		ts.Options = options.Index().SetExpireAfterSeconds(int32(retentionDays * 24 * 60 * 60))
	}
	indexes := []mongo.IndexModel{
		ts,
		{Keys: bson.D{{Key: "model_id", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		slog.Warn("failed to create usage indexes", "error", err)
	}
	return &MongoDBStore{collection: coll}, nil
}

// WriteBatch inserts entries unordered so one duplicate does not stop the
// rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	var bulk mongo.BulkWriteException
	if errors.As(err, &bulk) {
		failed := 0
		for _, we := range bulk.WriteErrors {
			if we.Code != mongoDuplicateKey {
				failed++
			}
		}
		if failed == 0 {
			return nil
		}
		mongoPartialWrites.Inc()
		slog.Warn("partial usage insert", "total", len(entries), "failed", failed)
		return &PartialWriteError{Total: len(entries), Failed: failed, Cause: err}
	}
	return fmt.Errorf("insert usage entries: %w", err)
}

// Flush is a no-op; writes are synchronous.
func (s *MongoDBStore) Flush(context.Context) error { return nil }

// Close is a no-op; the client belongs to storage.
func (s *MongoDBStore) Close() error { return nil }

func mongoRange(q Query) bson.D {
	match := bson.D{}
	ts := bson.D{}
	if !q.Since.IsZero() {
		ts = append(ts, bson.E{Key: "$gte", Value: q.Since.UTC()})
	}
	if !q.Until.IsZero() {
		ts = append(ts, bson.E{Key: "$lt", Value: q.Until.UTC()})
	}
	if len(ts) > 0 {
		match = append(match, bson.E{Key: "timestamp", Value: ts})
	}
	if q.ModelID != "" {
		match = append(match, bson.E{Key: "model_id", Value: q.ModelID})
	}
	return match
}
