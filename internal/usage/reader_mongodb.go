package usage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoDBReader aggregates the MongoDB ledger.
type MongoDBReader struct {
	collection *mongo.Collection
}

// NewMongoDBReader wraps db.
func NewMongoDBReader(db *mongo.Database) (*MongoDBReader, error) {
	if db == nil {
		return nil, errors.New("mongodb database is required")
	}
	return &MongoDBReader{collection: db.Collection(mongoCollection)}, nil
}

type mongoAggregate struct {
	ModelID      string  `bson:"_id"`
	Requests     int64   `bson:"requests"`
	Failures     int64   `bson:"failures"`
	InputTokens  int64   `bson:"input_tokens"`
	OutputTokens int64   `bson:"output_tokens"`
	TotalTokens  int64   `bson:"total_tokens"`
	AvgLatencyMs float64 `bson:"avg_latency_ms"`
}

func (a mongoAggregate) summary() Summary {
	return Summary{
		Requests:     a.Requests,
		Failures:     a.Failures,
		InputTokens:  a.InputTokens,
		OutputTokens: a.OutputTokens,
		TotalTokens:  a.TotalTokens,
		AvgLatencyMs: a.AvgLatencyMs,
	}
}

func mongoPipeline(q Query, groupKey any) bson.A {
	group := bson.D{
		{Key: "_id", Value: groupKey},
		{Key: "requests", Value: bson.D{{Key: "$sum", Value: 1}}},
		{Key: "failures", Value: bson.D{{Key: "$sum", Value: bson.D{
			{Key: "$cond", Value: bson.A{"$success", 0, 1}},
		}}}},
		{Key: "input_tokens", Value: bson.D{{Key: "$sum", Value: "$input_tokens"}}},
		{Key: "output_tokens", Value: bson.D{{Key: "$sum", Value: "$output_tokens"}}},
		{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
		{Key: "avg_latency_ms", Value: bson.D{{Key: "$avg", Value: "$latency_ms"}}},
	}
	return bson.A{
		bson.D{{Key: "$match", Value: mongoRange(q)}},
		bson.D{{Key: "$group", Value: group}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
}

func (r *MongoDBReader) aggregate(ctx context.Context, q Query, groupKey any) ([]mongoAggregate, error) {
	cursor, err := r.collection.Aggregate(ctx, mongoPipeline(q, groupKey))
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	var rows []mongoAggregate
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode usage aggregate: %w", err)
	}
	return rows, nil
}

// Summary implements Reader.
func (r *MongoDBReader) Summary(ctx context.Context, q Query) (*Summary, error) {
	rows, err := r.aggregate(ctx, q, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Summary{}, nil
	}
	s := rows[0].summary()
	return &s, nil
}

// ByModel implements Reader.
func (r *MongoDBReader) ByModel(ctx context.Context, q Query) ([]ModelUsage, error) {
	rows, err := r.aggregate(ctx, q, "$model_id")
	if err != nil {
		return nil, err
	}
	out := make([]ModelUsage, len(rows))
	for i, row := range rows {
		out[i] = ModelUsage{ModelID: row.ModelID, Summary: row.summary()}
	}
	return out, nil
}
