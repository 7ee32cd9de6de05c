//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"modelhub/internal/storage"
)

func exerciseLedger(t *testing.T, ctx context.Context, st storage.Storage) {
	t.Helper()
	res, err := NewWithStorage(ctx, Config{Enabled: true, FlushInterval: time.Hour, RetentionDays: 30}, st)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	res.Writer.Write(entry("7f0c2c1e-0000-4000-8000-000000000001", "openai:gpt-4o", now, 10, 5, 100, true))
	res.Writer.Write(entry("7f0c2c1e-0000-4000-8000-000000000002", "openai:gpt-4o", now, 20, 10, 300, false))
	res.Writer.Write(entry("7f0c2c1e-0000-4000-8000-000000000003", "claude:haiku", now, 1, 1, 50, true))
	require.NoError(t, res.Writer.Close())

	s, err := res.Reader.Summary(ctx, Query{Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, s.Requests)
	assert.EqualValues(t, 1, s.Failures)
	assert.EqualValues(t, 47, s.TotalTokens)

	rows, err := res.Reader.ByModel(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "claude:haiku", rows[0].ModelID)
	assert.InDelta(t, 200, rows[1].AvgLatencyMs, 0.001)
}

func TestLedger_PostgreSQL(t *testing.T) {
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("modelhub_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, ctr)

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	st, err := storage.New(ctx, storage.Config{Type: storage.TypePostgreSQL, PostgreSQL: storage.PostgreSQLConfig{URL: url}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exerciseLedger(t, ctx, st)
}

func TestLedger_MongoDB(t *testing.T) {
	ctx := context.Background()
	ctr, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, ctr)

	url, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	st, err := storage.New(ctx, storage.Config{Type: storage.TypeMongoDB, MongoDB: storage.MongoDBConfig{URL: url, Database: "modelhub_test"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exerciseLedger(t, ctx, st)
}
