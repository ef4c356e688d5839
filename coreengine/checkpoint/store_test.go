package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/config"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// =============================================================================
// HELPERS
// =============================================================================

func newMiniRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", ttl)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func sampleRecord(id string, started time.Time) *record.Record {
	rec := record.New(map[string]any{"document": "contract.pdf"}, record.WithRunID(id), record.WithPipeline("review"))
	rec.Start("review")
	rec.Merge(record.Update{"pages": 12})
	rec.AppendHistory(record.ExecutionEntry{Stage: "load", Status: record.EntryCompleted, DurationMS: 4, Timestamp: started})
	rec.IncrementAttempts("citation")
	rec.AppendRecommendations("citation", "cite clause 4")
	return rec
}

type storeCase struct {
	name string
	open func(t *testing.T) Store
}

func backends() []storeCase {
	return []storeCase{
		{"redis", func(t *testing.T) Store {
			s, _ := newMiniRedisStore(t, 0)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"file", func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "runs"))
			require.NoError(t, err)
			return s
		}},
	}
}

// =============================================================================
// CONFORMANCE
// =============================================================================

func TestStoreRoundTrip(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			rec := sampleRecord("run-1", time.Now())
			require.NoError(t, store.Save(ctx, rec))

			got, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "run-1", got.RunID())
			assert.Equal(t, "review", got.Pipeline())
			assert.Equal(t, record.RunStatusRunning, got.Status())
			assert.Equal(t, "contract.pdf", got.String("document"))
			assert.Equal(t, 12, got.Int("pages"))
			assert.Len(t, got.History(), 1)
			assert.Equal(t, 1, got.Attempts("citation"))
			assert.Equal(t, []string{"cite clause 4"}, got.Recommendations("citation"))
		})
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			rec := sampleRecord("run-1", time.Now())
			require.NoError(t, store.Save(ctx, rec))
			rec.Finish(record.RunStatusCompleted)
			require.NoError(t, store.Save(ctx, rec))

			got, err := store.Load(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, record.RunStatusCompleted, got.Status())

			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"run-1"}, ids)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.open(t).Load(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, store.Save(ctx, sampleRecord(id, time.Now())))
				time.Sleep(2 * time.Millisecond)
			}

			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "b", "a"}, ids)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := tc.open(t)

			require.NoError(t, store.Save(ctx, sampleRecord("run-1", time.Now())))
			require.NoError(t, store.Delete(ctx, "run-1"))
			require.NoError(t, store.Delete(ctx, "run-1"), "deleting twice is fine")

			_, err := store.Load(ctx, "run-1")
			assert.ErrorIs(t, err, ErrNotFound)
			ids, err := store.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestStoreRejectsMissingRunID(t *testing.T) {
	for _, tc := range backends() {
		t.Run(tc.name, func(t *testing.T) {
			rec := record.New(nil, record.WithRunID(""))
			assert.Error(t, tc.open(t).Save(context.Background(), rec))
		})
	}
}

// =============================================================================
// BACKEND SPECIFICS
// =============================================================================

func TestRedisStoreKeys(t *testing.T) {
	store, mr := newMiniRedisStore(t, 0)
	require.NoError(t, store.Save(context.Background(), sampleRecord("run-1", time.Now())))

	assert.True(t, mr.Exists("test:run:run-1"))
	members, err := mr.ZMembers("test:runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, members)
}

func TestRedisStoreTTLPrunesIndex(t *testing.T) {
	ctx := context.Background()
	store, mr := newMiniRedisStore(t, time.Minute)
	require.NoError(t, store.Save(ctx, sampleRecord("run-1", time.Now())))

	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	members, _ := mr.ZMembers("test:runs")
	assert.Empty(t, members)
}

func TestNewRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewRedisStorePing(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store, err := NewRedisStore(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, "stagegraph:checkpoint:", store.keyPrefix)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	store, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleRecord("run-1", time.Now())))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID())
	assert.Equal(t, path, store.Path())
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	rec := sampleRecord("run-1", time.Now())
	for i := 0; i < 3; i++ {
		rec.Merge(record.Update{"i": i})
		require.NoError(t, store.Save(ctx, rec))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1.json", entries[0].Name())

	got, err := LoadFile(filepath.Join(dir, "run-1.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Int("i"))
}

func TestFileStoreRejectsPathInRunID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	err = store.Save(context.Background(), sampleRecord("../escape", time.Now()))
	assert.Error(t, err)
}

func TestFileStoreRequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadFile(bad)
	assert.Error(t, err)
}

// =============================================================================
// FACTORY
// =============================================================================

func TestOpen(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultEngineConfig()
	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	assert.Nil(t, store)

	cfg.CheckpointBackend = config.CheckpointFile
	cfg.CheckpointDir = t.TempDir()
	store, err = Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	cfg.CheckpointBackend = config.CheckpointSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "c.db")
	store, err = Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cfg.CheckpointBackend = config.CheckpointRedis
	cfg.RedisAddr = mr.Addr()
	store, err = Open(ctx, cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	cfg.CheckpointBackend = "tape"
	_, err = Open(ctx, cfg)
	assert.Error(t, err)
}
