package deltalog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-append/internal/deltalog"
	"delta-append/internal/domain"
	"delta-append/internal/storage"
	"delta-append/internal/testutil"
)

func addAction(path string, rows int64, stats string) domain.Action {
	if stats == "" {
		stats = fmt.Sprintf(`{"numRecords":%d,"minValues":{"ts":1,"temp":-3.5},"maxValues":{"ts":%d,"temp":5},"nullCount":{"ts":0,"temp":0}}`, rows, rows)
	}
	return domain.Action{Add: &domain.AddFile{
		Path:             path,
		PartitionValues:  map[string]string{},
		Size:             100 * rows,
		ModificationTime: 1720000000000,
		DataChange:       true,
		Stats:            stats,
	}}
}

func commitInfo(op string, readVersion int64) domain.Action {
	return domain.Action{CommitInfo: &domain.CommitInfo{Timestamp: 1720000000000 + readVersion, Operation: op, ReadVersion: &readVersion}}
}

func newStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	return storage.NewMemoryStore("memory://" + t.Name())
}

func TestReader_MissingLog(t *testing.T) {
	r := deltalog.NewReader(newStore(t), nil)
	ctx := context.Background()

	_, err := r.Load(ctx)
	var missing *domain.MissingLogError
	require.ErrorAs(t, err, &missing)

	_, err = r.LatestVersion(ctx)
	require.ErrorAs(t, err, &missing)

	_, err = r.History(ctx, 10)
	require.ErrorAs(t, err, &missing)
}

func TestReader_Replay(t *testing.T) {
	store := newStore(t)
	schema := testutil.ReadingSchema(t)
	seeded := testutil.SeedTable(t, store, schema)
	assert.Equal(t, int64(0), seeded.Version)
	assert.Empty(t, seeded.Files)
	assert.True(t, seeded.Schema.Equal(schema))

	testutil.WriteCommit(t, store, 1, commitInfo("WRITE", 0), addAction("b.parquet", 2, ""))
	testutil.WriteCommit(t, store, 2, commitInfo("WRITE", 1), addAction("a.parquet", 1, ""), addAction("c.parquet", 4, ""))
	testutil.WriteCommit(t, store, 3, commitInfo("DELETE", 2),
		domain.Action{Remove: &domain.RemoveFile{Path: "c.parquet", DataChange: true}})

	r := deltalog.NewReader(store, nil)
	ctx := context.Background()

	state, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	require.Len(t, state.Files, 2)
	assert.Equal(t, "a.parquet", state.Files[0].Path)
	assert.Equal(t, "b.parquet", state.Files[1].Path)
	assert.Equal(t, int64(3), state.NumRecords())
	assert.Equal(t, int64(300), state.SizeBytes())
	_, ok := state.File("c.parquet")
	assert.False(t, ok)

	again, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, again, "repeated loads of an unchanged log must be equal")

	t.Run("time_travel", func(t *testing.T) {
		v2, err := r.LoadVersion(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2.Version)
		assert.Len(t, v2.Files, 3)
		assert.Equal(t, int64(7), v2.NumRecords())

		_, err = r.LoadVersion(ctx, 9)
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("latest_version", func(t *testing.T) {
		v, err := r.LatestVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), v)
	})

	t.Run("history", func(t *testing.T) {
		hist, err := r.History(ctx, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, int64(3), hist[0].Version)
		assert.Equal(t, "DELETE", hist[0].Operation)
		assert.Equal(t, 1, hist[0].RemovedFiles)
		assert.Equal(t, int64(2), hist[1].Version)
		assert.Equal(t, 2, hist[1].AddedFiles)
		assert.Equal(t, int64(5), hist[1].AddedRows)
		require.NotNil(t, hist[1].ReadVersion)
		assert.Equal(t, int64(1), *hist[1].ReadVersion)

		all, err := r.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "CREATE TABLE", all[3].Operation)
	})
}

func TestReader_CorruptLog(t *testing.T) {
	schema := testutil.ReadingSchema(t)

	tests := []struct {
		name  string
		setup func(t *testing.T, store domain.ObjectStore)
		want  string
	}{
		{
			name: "gap_in_versions",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.SeedTable(t, store, schema)
				testutil.WriteCommit(t, store, 2, addAction("a.parquet", 1, ""))
			},
			want: "commit record missing",
		},
		{
			name: "first_commit_missing",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.WriteCommit(t, store, 1, testutil.TableActions(t, schema)...)
			},
			want: "commit record missing",
		},
		{
			name: "unparseable_line",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.SeedTable(t, store, schema)
				require.NoError(t, store.PutIfAbsent(context.Background(), deltalog.CommitKey(1), []byte("{not json\n")))
			},
			want: "not a valid action",
		},
		{
			name: "no_metadata",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.WriteCommit(t, store, 0, domain.Action{Protocol: &domain.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}})
			},
			want: "no metaData action",
		},
		{
			name: "no_protocol",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.WriteCommit(t, store, 0, testutil.TableActions(t, schema)[1:]...)
			},
			want: "no protocol action",
		},
		{
			name: "nested_schema",
			setup: func(t *testing.T, store domain.ObjectStore) {
				actions := testutil.TableActions(t, schema)
				actions[1].MetaData.SchemaString = `{"type":"struct","fields":[{"name":"loc","type":{"type":"struct","fields":[]},"nullable":true,"metadata":{}}]}`
				testutil.WriteCommit(t, store, 0, actions...)
			},
			want: "invalid table schema",
		},
		{
			name: "bad_stats",
			setup: func(t *testing.T, store domain.ObjectStore) {
				testutil.SeedTable(t, store, schema)
				testutil.WriteCommit(t, store, 1, addAction("a.parquet", 1, `{"numRecords":"many"}`))
			},
			want: "decode stats",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			tc.setup(t, store)

			_, err := deltalog.NewReader(store, nil).Load(context.Background())
			var corrupt *domain.CorruptLogError
			require.ErrorAs(t, err, &corrupt)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestReader_UnsupportedProtocol(t *testing.T) {
	store := newStore(t)
	actions := testutil.TableActions(t, testutil.ReadingSchema(t))
	actions[0].Protocol = &domain.Protocol{MinReaderVersion: 3, MinWriterVersion: 7}
	testutil.WriteCommit(t, store, 0, actions...)

	_, err := deltalog.NewReader(store, nil).Load(context.Background())
	var unsupported *domain.UnsupportedProtocolError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, int32(3), unsupported.MinReaderVersion)
	assert.Equal(t, domain.CodeUnsupportedProtocol, domain.ErrorCode(err))
}

func TestReader_WriterOnlyProtocolIsReadable(t *testing.T) {
	store := newStore(t)
	actions := testutil.TableActions(t, testutil.ReadingSchema(t))
	actions[0].Protocol = &domain.Protocol{MinReaderVersion: 1, MinWriterVersion: 4}
	testutil.WriteCommit(t, store, 0, actions...)

	state, err := deltalog.NewReader(store, nil).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Protocol.CanWrite())
}

func TestReader_SchemaConflict(t *testing.T) {
	store := newStore(t)
	schema := testutil.ReadingSchema(t)
	testutil.SeedTable(t, store, schema)
	testutil.WriteCommit(t, store, 1, commitInfo("WRITE", 0), addAction("a.parquet", 2, ""))

	t.Run("dropped_column", func(t *testing.T) {
		narrowed := testutil.MustSchema(t, domain.Field{Name: "ts", Type: domain.TypeLong})
		actions := testutil.TableActions(t, narrowed)
		testutil.WriteCommit(t, store, 2, actions[1])

		_, err := deltalog.NewReader(store, nil).Load(context.Background())
		var conflict *domain.SchemaConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(2), conflict.Version)
		assert.Contains(t, err.Error(), "a.parquet")

		// Versions before the conflicting metaData still load.
		state, err := deltalog.NewReader(store, nil).LoadVersion(context.Background(), 1)
		require.NoError(t, err)
		assert.Len(t, state.Files, 1)
	})
}

func TestReader_SchemaConflict_ValueType(t *testing.T) {
	store := newStore(t)
	testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	testutil.WriteCommit(t, store, 1, addAction("a.parquet", 2, ""))

	retyped := testutil.MustSchema(t,
		domain.Field{Name: "ts", Type: domain.TypeLong},
		domain.Field{Name: "temp", Type: domain.TypeLong, Nullable: true},
	)
	testutil.WriteCommit(t, store, 2, testutil.TableActions(t, retyped)[1])

	_, err := deltalog.NewReader(store, nil).Load(context.Background())
	var conflict *domain.SchemaConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.CodeSchemaConflict, domain.ErrorCode(err))
}

func TestReader_IOFailure(t *testing.T) {
	inner := newStore(t)
	testutil.SeedTable(t, inner, testutil.ReadingSchema(t))
	boom := errors.New("connection reset")

	t.Run("list", func(t *testing.T) {
		store := &testutil.MockObjectStore{
			Inner: inner,
			ListFn: func(context.Context, string) ([]domain.ObjectInfo, error) {
				return nil, boom
			},
		}
		_, err := deltalog.NewReader(store, nil).Load(context.Background())
		var ioErr *domain.IOFailureError
		require.ErrorAs(t, err, &ioErr)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("get", func(t *testing.T) {
		store := &testutil.MockObjectStore{
			Inner: inner,
			GetFn: func(ctx context.Context, key string) ([]byte, error) {
				if key == deltalog.CommitKey(0) {
					return nil, boom
				}
				return inner.Get(ctx, key)
			},
		}
		_, err := deltalog.NewReader(store, nil).Load(context.Background())
		var ioErr *domain.IOFailureError
		require.ErrorAs(t, err, &ioErr)
		assert.Equal(t, deltalog.CommitKey(0), ioErr.Path)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := deltalog.NewReader(inner, nil).Load(ctx)
		require.ErrorIs(t, err, context.Canceled)
		var ioErr *domain.IOFailureError
		assert.False(t, errors.As(err, &ioErr))
	})
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	store := newStore(t)
	schema := testutil.ReadingSchema(t)
	testutil.SeedTable(t, store, schema)
	for v := int64(1); v <= 4; v++ {
		testutil.WriteCommit(t, store, v, commitInfo("WRITE", v-1), addAction(fmt.Sprintf("part-%d.parquet", v), v, ""))
	}
	testutil.WriteCommit(t, store, 5, domain.Action{Remove: &domain.RemoveFile{Path: "part-2.parquet", DataChange: true}})

	ctx := context.Background()
	r := deltalog.NewReader(store, nil)
	replayed, err := r.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, deltalog.WriteCheckpoint(ctx, store, replayed, nil))

	pointer, err := store.Get(ctx, deltalog.LastCheckpointKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":5,"size":5}`, string(pointer))

	// Drop the JSON commits the checkpoint covers: the state must now come
	// from the checkpoint alone.
	for v := int64(0); v <= 5; v++ {
		store.Delete(deltalog.CommitKey(v))
	}
	fromCheckpoint, err := r.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, replayed, fromCheckpoint)

	t.Run("commits_after_checkpoint", func(t *testing.T) {
		testutil.WriteCommit(t, store, 6, commitInfo("WRITE", 5), addAction("part-6.parquet", 6, ""))
		state, err := r.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), state.Version)
		assert.Len(t, state.Files, 4)
		assert.Equal(t, int64(1+3+4+6), state.NumRecords())
	})

	t.Run("version_before_checkpoint_is_gone", func(t *testing.T) {
		_, err := r.LoadVersion(ctx, 3)
		var corrupt *domain.CorruptLogError
		require.ErrorAs(t, err, &corrupt)
	})
}

func TestCheckpoint_Corrupt(t *testing.T) {
	store := newStore(t)
	testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, deltalog.CheckpointKey(0), []byte("not parquet")))
	require.NoError(t, store.Put(ctx, deltalog.LastCheckpointKey, []byte(`{"version":0,"size":3}`)))

	_, err := deltalog.NewReader(store, nil).Load(ctx)
	var corrupt *domain.CorruptLogError
	require.ErrorAs(t, err, &corrupt)
	assert.Contains(t, err.Error(), "unreadable checkpoint")
}
