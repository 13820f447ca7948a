package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chative-core-poc-v1/agentrelay/internal/model"
	"github.com/Chative-core-poc-v1/agentrelay/pkg/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRepo(t *testing.T) (*RedisHistoryRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisHistoryRepository(rdb, time.Hour, "test"), mr
}

func newSQLiteRepo(t *testing.T) *SQLiteHistoryRepository {
	t.Helper()
	cfg := sqlite.Config{Path: filepath.Join(t.TempDir(), "history.db")}
	db, err := cfg.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	r, err := NewSQLiteHistoryRepository(db)
	require.NoError(t, err)
	return r
}

func backends(t *testing.T) map[string]model.HistoryRepository {
	redisRepo, _ := newRedisRepo(t)
	return map[string]model.HistoryRepository{
		"memory": NewMemoryHistoryRepository(),
		"redis":  redisRepo,
		"sqlite": newSQLiteRepo(t),
	}
}

func sampleRecords(ts time.Time) []model.HistoryRecord {
	return []model.HistoryRecord{
		{Role: model.RoleUser, Content: model.Text("hello"), Timestamp: ts},
		{Role: model.RoleUser, Content: model.Blocks(
			model.TextBlock("what is in this picture?"),
			model.ImageBlock("image/png", "iVBORw0KGgo="),
			model.Block{Type: model.BlockFile, Name: "notes.txt", URL: "file:///tmp/notes.txt"},
		), Timestamp: ts.Add(time.Millisecond)},
		{Role: model.RoleToolUse, Content: model.Text(`{"q":"x"}`), ToolName: "search_history", ToolUseID: "t1",
			Metadata: map[string]any{"input": map[string]any{"q": "x"}}, Timestamp: ts.Add(2 * time.Millisecond)},
		{Role: model.RoleToolResult, Content: model.Blocks(model.TextBlock("found")), ToolUseID: "t1", Timestamp: ts.Add(3 * time.Millisecond)},
		{Role: model.RoleAssistant, Content: model.Text("partial"), IsError: true,
			Metadata: map[string]any{"error": "boom", "partial": true}, Timestamp: ts.Add(4 * time.Millisecond)},
		{Role: model.RoleToolResult, Content: model.Blocks(
			model.TextBlock("screenshot"),
			model.Block{
				Type:   model.BlockImage,
				Source: map[string]any{"type": "base64", "media_type": "image/png", "data": "iVBORw0KGgo="},
				Extra:  map[string]any{"cache_control": map[string]any{"type": "ephemeral"}},
			},
		), ToolUseID: "t2", Timestamp: ts.Add(5 * time.Millisecond)},
	}
}

func TestHistoryRepositories_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := sampleRecords(ts)
			require.NoError(t, r.Append(ctx, "s1", want[:2]...))
			require.NoError(t, r.Append(ctx, "s1", want[2:]...))

			got, err := r.Load(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, got.Records, len(want))
			assert.Equal(t, "s1", got.SessionID)

			for i := range want {
				assert.Equal(t, "s1", got.Records[i].SessionID)
				assert.Equal(t, want[i].Role, got.Records[i].Role, "record %d", i)
				assert.Equal(t, want[i].Content, got.Records[i].Content, "record %d", i)
				assert.Equal(t, want[i].ToolName, got.Records[i].ToolName)
				assert.Equal(t, want[i].ToolUseID, got.Records[i].ToolUseID)
				assert.Equal(t, want[i].IsError, got.Records[i].IsError)
				assert.True(t, want[i].Timestamp.Equal(got.Records[i].Timestamp), "record %d timestamp", i)
			}
			assert.Equal(t, "boom", got.Records[4].Metadata["error"])
			assert.Equal(t, true, got.Records[4].Metadata["partial"])

			n, err := r.Count(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, len(want), n)
		})
	}
}

func TestHistoryRepositories_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, r.Append(ctx, "a", model.HistoryRecord{Role: model.RoleUser, Content: model.Text("a1")}))
			require.NoError(t, r.Append(ctx, "b", model.HistoryRecord{Role: model.RoleUser, Content: model.Text("b1")}))

			require.NoError(t, r.Delete(ctx, "a"))

			got, err := r.Load(ctx, "a")
			require.NoError(t, err)
			assert.Empty(t, got.Records)
			assert.NotNil(t, got.Records)

			n, err := r.Count(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestHistoryRepositories_UnknownSession(t *testing.T) {
	ctx := context.Background()
	for name, r := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, err := r.Load(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, got.Records)

			n, err := r.Count(ctx, "missing")
			require.NoError(t, err)
			assert.Zero(t, n)

			assert.NoError(t, r.Append(ctx, "missing"))
		})
	}
}

func TestRedisHistoryRepository_ExtendsTTL(t *testing.T) {
	r, mr := newRedisRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Append(ctx, "s1", model.HistoryRecord{Role: model.RoleUser, Content: model.Text("x")}))
	key := r.historyKey("s1")
	assert.Equal(t, "test:history:s1:records", key)
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, r.Append(ctx, "s1", model.HistoryRecord{Role: model.RoleAssistant, Content: model.Text("y")}))
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(2 * time.Hour)
	n, err := r.Count(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisHistoryRepository_BackendFailure(t *testing.T) {
	r, mr := newRedisRepo(t)
	mr.Close()

	err := r.Append(context.Background(), "s1", model.HistoryRecord{Role: model.RoleUser, Content: model.Text("x")})
	assert.Error(t, err)
}

func TestSQLiteHistoryRepository_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	cfg := sqlite.Config{Path: path}

	db, err := cfg.New()
	require.NoError(t, err)
	r, err := NewSQLiteHistoryRepository(db)
	require.NoError(t, err)
	require.NoError(t, r.Append(ctx, "s1", model.HistoryRecord{Role: model.RoleUser, Content: model.Text("persisted")}))
	require.NoError(t, db.Close())

	db, err = cfg.New()
	require.NoError(t, err)
	defer db.Close()
	r, err = NewSQLiteHistoryRepository(db)
	require.NoError(t, err)

	got, err := r.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "persisted", got.Records[0].Content.String())
}
