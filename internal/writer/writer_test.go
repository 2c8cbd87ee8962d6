package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delta-append/internal/config"
	"delta-append/internal/datafile"
	"delta-append/internal/deltalog"
	"delta-append/internal/domain"
	"delta-append/internal/storage"
	"delta-append/internal/testutil"
)

func testOptions() Options {
	return Options{
		MaxRetries:       15,
		RetryBackoff:     time.Millisecond,
		MaxRowsPerFile:   1000,
		WriteParallelism: 4,
		Clock:            func() time.Time { return time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC) },
	}
}

// readingRecord builds a ts/temp record with one row per temp value.
func readingRecord(t *testing.T, temps ...float64) arrow.Record {
	t.Helper()
	rows := make([]domain.Row, len(temps))
	for i, temp := range temps {
		rows[i] = domain.Row{"ts": i + 1, "temp": temp}
	}
	b, err := datafile.NewBatch(nil, testutil.ReadingSchema(t), rows)
	require.NoError(t, err)
	t.Cleanup(b.Release)
	return b.Record
}

func load(t *testing.T, store domain.ObjectStore) *domain.TableState {
	t.Helper()
	state, err := deltalog.NewReader(store, nil).Load(context.Background())
	require.NoError(t, err)
	return state
}

func TestAppend_Sequence(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	w := New(store, nil, testOptions())
	ctx := context.Background()

	res, err := w.Append(ctx, snapshot, readingRecord(t, 5.0, -3.0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(2), res.NumRecords)
	require.Len(t, res.Files, 1)
	assert.Regexp(t, `^part-00000-[0-9a-f-]{36}-c000\.snappy\.parquet$`, res.Files[0])

	state := load(t, store)
	assert.Equal(t, int64(1), state.Version)
	require.Len(t, state.Files, 1)
	assert.Equal(t, int64(2), state.NumRecords())
	f := state.Files[0]
	assert.Equal(t, json.Number("-3"), f.Stats.MinValues["temp"])
	assert.Equal(t, json.Number("5"), f.Stats.MaxValues["temp"])

	data, err := store.Get(ctx, f.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), f.Size)

	res, err = w.Append(ctx, state, readingRecord(t, 7.5))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Version)

	state = load(t, store)
	assert.Equal(t, int64(2), state.Version)
	assert.Len(t, state.Files, 2)
	assert.Equal(t, int64(3), state.NumRecords())
}

func TestAppend_CommitInfo(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	opts := testOptions()
	opts.EngineInfo = "weather-ingest/1.0"

	_, err := New(store, nil, opts).Append(context.Background(), snapshot, readingRecord(t, 1))
	require.NoError(t, err)

	raw, err := store.Get(context.Background(), deltalog.CommitKey(1))
	require.NoError(t, err)
	rec, err := deltalog.DecodeCommit(1, raw)
	require.NoError(t, err)
	require.Len(t, rec.Actions, 2)

	info := rec.Info()
	require.NotNil(t, info)
	assert.Equal(t, "WRITE", info.Operation)
	assert.Equal(t, map[string]any{"mode": "Append"}, info.OperationParameters)
	assert.Equal(t, int64(0), *info.ReadVersion)
	assert.True(t, *info.IsBlindAppend)
	assert.Equal(t, "weather-ingest/1.0", info.EngineInfo)
	assert.Equal(t, time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), info.Timestamp)
	assert.True(t, rec.Actions[1].Add.DataChange)
}

func TestAppend_ConflictRetry(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	state := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	ctx := context.Background()

	setup := New(store, nil, testOptions())
	for i := 0; i < 5; i++ {
		_, err := setup.Append(ctx, state, readingRecord(t, float64(i)))
		require.NoError(t, err)
		state = load(t, store)
	}
	require.Equal(t, int64(5), state.Version)

	first, err := New(store, nil, testOptions()).Append(ctx, state, readingRecord(t, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(6), first.Version)
	assert.Equal(t, 1, first.Attempts)

	// Same stale snapshot: version 6 is taken, so the writer re-reads and claims 7.
	second, err := New(store, nil, testOptions()).Append(ctx, state, readingRecord(t, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(7), second.Version)
	assert.Equal(t, 2, second.Attempts)

	final := load(t, store)
	assert.Equal(t, int64(7), final.Version)
	assert.Len(t, final.Files, 7)
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	const writers = 8

	stores := map[string]func(t *testing.T) domain.ObjectStore{
		"memory": func(t *testing.T) domain.ObjectStore {
			return storage.NewMemoryStore("memory://" + t.Name())
		},
		"local": func(t *testing.T) domain.ObjectStore {
			s, err := storage.NewLocalStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			store := mk(t)
			snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				versions []int64
				errs     []error
			)
			for i := 0; i < writers; i++ {
				rec := readingRecord(t, float64(i), float64(i))
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, rec)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						errs = append(errs, err)
						return
					}
					versions = append(versions, res.Version)
				}()
			}
			wg.Wait()

			require.Empty(t, errs)
			slices.Sort(versions)
			want := make([]int64, writers)
			for i := range want {
				want[i] = int64(i + 1)
			}
			assert.Equal(t, want, versions, "each writer must claim a distinct, contiguous version")

			final := load(t, store)
			assert.Equal(t, int64(writers), final.Version)
			assert.Len(t, final.Files, writers)
			assert.Equal(t, int64(2*writers), final.NumRecords())
		})
	}
}

func TestAppend_SchemaMismatch(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))

	b := array.NewRecordBuilder(memory.DefaultAllocator, arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Int64},
		{Name: "temp", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "humidity", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil))
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	b.Field(1).(*array.Float64Builder).Append(5)
	b.Field(2).(*array.Float64Builder).Append(0.4)
	rec := b.NewRecord()
	defer rec.Release()

	_, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, rec)
	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)

	objs, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, objs, 1, "only the seeded commit may exist")
	assert.Equal(t, deltalog.CommitKey(0), objs[0].Key)
}

func TestAppend_RejectedTables(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))

	t.Run("unsupported_writer_version", func(t *testing.T) {
		s := *snapshot
		s.Protocol = domain.Protocol{MinReaderVersion: 1, MinWriterVersion: 4}
		_, err := New(store, nil, testOptions()).Append(context.Background(), &s, readingRecord(t, 1))
		var unsupported *domain.UnsupportedProtocolError
		require.ErrorAs(t, err, &unsupported)
	})

	t.Run("partitioned", func(t *testing.T) {
		s := *snapshot
		s.Metadata.PartitionColumns = []string{"ts"}
		_, err := New(store, nil, testOptions()).Append(context.Background(), &s, readingRecord(t, 1))
		var mismatch *domain.SchemaMismatchError
		require.ErrorAs(t, err, &mismatch)
	})

	t.Run("nil_snapshot", func(t *testing.T) {
		_, err := New(store, nil, testOptions()).Append(context.Background(), nil, readingRecord(t, 1))
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	v, err := deltalog.NewReader(store, nil).LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestAppend_IOFailureNotRetried(t *testing.T) {
	inner := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, inner, testutil.ReadingSchema(t))
	boom := errors.New("503 slow down")
	store := &testutil.MockObjectStore{
		Inner: inner,
		PutIfAbsentFn: func(context.Context, string, []byte) error {
			return boom
		},
	}

	_, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, readingRecord(t, 1))
	var ioErr *domain.IOFailureError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, deltalog.CommitKey(1), ioErr.Path)
	assert.Equal(t, int64(1), store.PutIfAbsentCalls.Load())
}

func TestAppend_DataFileFailure(t *testing.T) {
	inner := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, inner, testutil.ReadingSchema(t))
	store := &testutil.MockObjectStore{
		Inner: inner,
		PutFn: func(context.Context, string, []byte) error {
			return errors.New("disk full")
		},
	}

	_, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, readingRecord(t, 1))
	var ioErr *domain.IOFailureError
	require.ErrorAs(t, err, &ioErr)
	assert.Zero(t, store.PutIfAbsentCalls.Load(), "no commit may be attempted")
}

func TestAppend_CommitConflictAfterRetries(t *testing.T) {
	inner := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, inner, testutil.ReadingSchema(t))
	store := &testutil.MockObjectStore{
		Inner: inner,
		PutIfAbsentFn: func(_ context.Context, key string, _ []byte) error {
			return fmt.Errorf("%s: %w", key, storage.ErrAlreadyExists)
		},
	}
	opts := testOptions()
	opts.MaxRetries = 2

	_, err := New(store, nil, opts).Append(context.Background(), snapshot, readingRecord(t, 1))
	var conflict *domain.CommitConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, int64(1), conflict.Version)
	assert.Equal(t, int64(3), store.PutIfAbsentCalls.Load())
	assert.Equal(t, domain.CodeCommitConflict, domain.ErrorCode(err))
}

func TestAppend_DeadlineBeforeNextAttempt(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	_, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, readingRecord(t, 1))
	require.NoError(t, err)

	opts := testOptions()
	opts.RetryBackoff = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// The stale snapshot loses version 1; the retry cannot start before the deadline.
	_, err = New(store, nil, opts).Append(ctx, snapshot, readingRecord(t, 2))
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var conflict *domain.CommitConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Attempts)
	assert.Equal(t, int64(1), conflict.Version)
	assert.Equal(t, domain.CodeCommitConflict, domain.ErrorCode(err))
	assert.Equal(t, int64(1), load(t, store).Version)
}

func TestOptions_WithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, int64(config.DefaultMaxRowsPerFile), o.MaxRowsPerFile)
	assert.Equal(t, config.DefaultWriteParallelism, o.WriteParallelism)
	assert.Equal(t, config.DefaultEngineInfo, o.EngineInfo)
	assert.NotNil(t, o.Clock)
	assert.NotNil(t, o.Allocator)
	assert.Zero(t, o.MaxRetries)
	assert.Zero(t, o.RetryBackoff)
	assert.Zero(t, o.CheckpointInterval)
}

func TestAppend_CancelledBeforeCommit(t *testing.T) {
	inner := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, inner, testutil.ReadingSchema(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &testutil.MockObjectStore{
		Inner: inner,
		PutFn: func(ctx context.Context, key string, data []byte) error {
			err := inner.Put(ctx, key, data)
			cancel()
			return err
		},
	}

	_, err := New(store, nil, testOptions()).Append(ctx, snapshot, readingRecord(t, 1))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.PutIfAbsentCalls.Load())

	v, err := deltalog.NewReader(inner, nil).LatestVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "cancellation before commit must leave the log unchanged")
}

func TestAppend_SchemaChangedDuringRetry(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))

	widened := testutil.MustSchema(t,
		domain.Field{Name: "ts", Type: domain.TypeLong},
		domain.Field{Name: "temp", Type: domain.TypeDouble, Nullable: true},
		domain.Field{Name: "humidity", Type: domain.TypeDouble, Nullable: true},
	)
	testutil.WriteCommit(t, store, 1, testutil.TableActions(t, widened)[1])

	_, err := New(store, nil, testOptions()).Append(context.Background(), snapshot, readingRecord(t, 1))
	var mismatch *domain.SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, err.Error(), "changed at version 1")
}

func TestAppend_SplitsFiles(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	opts := testOptions()
	opts.MaxRowsPerFile = 2

	res, err := New(store, nil, opts).Append(context.Background(), snapshot, readingRecord(t, 1, 2, 3, 4, 5))
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.Equal(t, int64(5), res.NumRecords)

	state := load(t, store)
	var counts []int64
	for _, f := range state.Files {
		counts = append(counts, f.NumRecords())
	}
	slices.Sort(counts)
	assert.Equal(t, []int64{1, 2, 2}, counts)
}

func TestAppend_Checkpoint(t *testing.T) {
	store := storage.NewMemoryStore("memory://" + t.Name())
	state := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	opts := testOptions()
	opts.CheckpointInterval = 2
	w := New(store, nil, opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := w.Append(ctx, state, readingRecord(t, float64(i)))
		require.NoError(t, err)
		state = load(t, store)
	}

	_, err := store.Get(ctx, deltalog.CheckpointKey(2))
	require.NoError(t, err)
	_, err = store.Get(ctx, deltalog.CheckpointKey(3))
	require.ErrorIs(t, err, storage.ErrNotExist)

	pointer, err := store.Get(ctx, deltalog.LastCheckpointKey)
	require.NoError(t, err)
	assert.Contains(t, string(pointer), `"version":2`)

	assert.Equal(t, int64(3), state.Version)
	assert.Len(t, state.Files, 3)
}

func TestAppend_CheckpointFailureDoesNotFailAppend(t *testing.T) {
	inner := storage.NewMemoryStore("memory://" + t.Name())
	snapshot := testutil.SeedTable(t, inner, testutil.ReadingSchema(t))
	store := &testutil.MockObjectStore{
		Inner: inner,
		PutFn: func(ctx context.Context, key string, data []byte) error {
			if key == deltalog.LastCheckpointKey {
				return errors.New("throttled")
			}
			return inner.Put(ctx, key, data)
		},
	}
	opts := testOptions()
	opts.CheckpointInterval = 1

	res, err := New(store, nil, opts).Append(context.Background(), snapshot, readingRecord(t, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
}
