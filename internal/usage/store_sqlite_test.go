package usage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/internal/storage"
)

func storageConfigFor(t *testing.T) storage.Config {
	t.Helper()
	return storage.Config{
		Type:   storage.TypeSQLite,
		SQLite: storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "usage.db")},
	}
}

func openSQLite(t *testing.T) (*SQLiteStore, *SQLiteReader) {
	t.Helper()
	st, err := storage.NewSQLite(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "usage.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	store, err := NewSQLiteStore(st.SQLiteDB(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reader, err := NewSQLiteReader(st.SQLiteDB())
	require.NoError(t, err)
	return store, reader
}

var day = time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)

func entry(id, model string, at time.Time, in, out int, latency int64, ok bool) *UsageEntry {
	e := &UsageEntry{
		ID: id, RequestID: "req-" + id, ResponseID: "resp-" + id, Timestamp: at,
		ModelID: model, Vendor: "openai", Operation: "chat",
		InputTokens: in, OutputTokens: out, TotalTokens: in + out,
		LatencyMillis: latency, Success: ok,
	}
	if !ok {
		e.ErrorKind = "SERVER"
	}
	return e
}

func TestSQLiteStore_SummaryAndByModel(t *testing.T) {
	store, reader := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, store.WriteBatch(ctx, []*UsageEntry{
		entry("1", "openai:gpt-4o", day.Add(time.Hour), 10, 5, 100, true),
		entry("2", "openai:gpt-4o", day.Add(2*time.Hour), 20, 10, 300, false),
		entry("3", "claude:haiku", day.Add(26*time.Hour), 1, 1, 50, true),
	}))
	// Duplicate ids are ignored.
	require.NoError(t, store.WriteBatch(ctx, []*UsageEntry{entry("1", "openai:gpt-4o", day, 999, 999, 1, true)}))

	s, err := reader.Summary(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Requests: 3, Failures: 1, InputTokens: 31, OutputTokens: 16, TotalTokens: 47, AvgLatencyMs: 150}, *s)

	s, err = reader.Summary(ctx, Query{Since: day, Until: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Requests)

	s, err = reader.Summary(ctx, Query{ModelID: "claude:haiku"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Requests)
	assert.EqualValues(t, 2, s.TotalTokens)

	rows, err := reader.ByModel(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "claude:haiku", rows[0].ModelID)
	assert.Equal(t, "openai:gpt-4o", rows[1].ModelID)
	assert.EqualValues(t, 2, rows[1].Requests)
	assert.EqualValues(t, 1, rows[1].Failures)
	assert.InDelta(t, 200, rows[1].AvgLatencyMs, 0.001)
}

func TestSQLiteStore_EmptyLedger(t *testing.T) {
	_, reader := openSQLite(t)

	s, err := reader.Summary(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, Summary{}, *s)

	rows, err := reader.ByModel(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLiteStore_ChunksLargeBatches(t *testing.T) {
	store, reader := openSQLite(t)
	ctx := context.Background()

	n := sqliteBatchChunks*2 + 7
	batch := make([]*UsageEntry, n)
	for i := range batch {
		batch[i] = entry(fmt.Sprintf("e-%d", i), "openai:gpt-4o", day, 1, 1, 10, true)
	}
	require.NoError(t, store.WriteBatch(ctx, batch))

	s, err := reader.Summary(ctx, Query{})
	require.NoError(t, err)
	assert.EqualValues(t, n, s.Requests)
}

func TestSQLiteStore_RetentionCleanup(t *testing.T) {
	store, reader := openSQLite(t)
	ctx := context.Background()
	now := day.Add(100 * 24 * time.Hour)

	require.NoError(t, store.WriteBatch(ctx, []*UsageEntry{
		entry("old", "m", now.AddDate(0, 0, -91), 1, 1, 1, true),
		entry("new", "m", now.AddDate(0, 0, -89), 1, 1, 1, true),
	}))
	store.retentionDays = 90
	store.now = func() time.Time { return now }
	store.cleanup()

	s, err := reader.Summary(ctx, Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.Requests)
}

func TestNew_SQLiteLedger(t *testing.T) {
	ctx := context.Background()
	res, err := New(ctx, Config{Enabled: true, FlushInterval: time.Hour}, storageConfigFor(t))
	require.NoError(t, err)

	res.Writer.Write(entry("1", "openai:gpt-4o", day, 3, 4, 20, true))
	res.Writer.Write(entry("2", "openai:gpt-4o", day, 3, 4, 40, true))
	require.NoError(t, res.Writer.Close(), "closing the writer drains the buffer")

	s, err := res.Reader.Summary(ctx, Query{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.Requests)
	assert.EqualValues(t, 14, s.TotalTokens)

	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
}
