// Package writer appends row batches to a table: it stages data files once,
// then claims the next log version with a conditional write, retrying on
// conflicts after re-reading the latest table state.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"delta-append/internal/config"
	"delta-append/internal/datafile"
	"delta-append/internal/deltalog"
	"delta-append/internal/domain"
	"delta-append/internal/storage"
)

// Options tunes the writer. MaxRowsPerFile, WriteParallelism, EngineInfo,
// Clock and Allocator fall back to defaults when zero. A zero MaxRetries,
// RetryBackoff or CheckpointInterval means no retries, no pacing and no
// checkpoints.
type Options struct {
	MaxRetries         int           // conflict retries after the first attempt
	RetryBackoff       time.Duration // minimum spacing between commit attempts
	MaxRowsPerFile     int64
	WriteParallelism   int
	CheckpointInterval int64 // 0 disables checkpoints
	EngineInfo         string
	Clock              func() time.Time
	Allocator          memory.Allocator
}

// OptionsFromConfig maps the environment configuration onto writer options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:         cfg.CommitMaxRetries,
		RetryBackoff:       cfg.CommitRetryBackoff,
		MaxRowsPerFile:     int64(cfg.MaxRowsPerFile),
		WriteParallelism:   cfg.WriteParallelism,
		CheckpointInterval: int64(cfg.CheckpointInterval),
		EngineInfo:         cfg.EngineInfo,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MaxRowsPerFile <= 0 {
		o.MaxRowsPerFile = config.DefaultMaxRowsPerFile
	}
	if o.WriteParallelism <= 0 {
		o.WriteParallelism = config.DefaultWriteParallelism
	}
	if o.CheckpointInterval < 0 {
		o.CheckpointInterval = 0
	}
	if o.EngineInfo == "" {
		o.EngineInfo = config.DefaultEngineInfo
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Allocator == nil {
		o.Allocator = memory.DefaultAllocator
	}
	return o
}

// CommitResult reports a successful append.
type CommitResult struct {
	Version    int64    `json:"version"`
	Attempts   int      `json:"attempts"`
	Files      []string `json:"files"`
	NumRecords int64    `json:"num_records"`
}

// Writer is safe for concurrent use; each Append runs its own retry loop.
type Writer struct {
	store  domain.ObjectStore
	reader *deltalog.Reader
	opts   Options
	logger *slog.Logger
}

// New creates a Writer over store.
func New(store domain.ObjectStore, logger *slog.Logger, opts Options) *Writer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{
		store:  store,
		reader: deltalog.NewReader(store, logger),
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Append writes rec as new data files and commits them on top of snapshot.
//
// The batch must match the snapshot schema exactly (column order may
// differ). Data files are uploaded once; each commit attempt targets the
// version after the newest state seen so far. If the context is cancelled
// before a commit record is published the table is left unchanged, though
// already-uploaded data files remain as unreferenced objects.
func (w *Writer) Append(ctx context.Context, snapshot *domain.TableState, rec arrow.Record) (*CommitResult, error) {
	if snapshot == nil {
		return nil, domain.ErrValidation("append requires a table snapshot")
	}
	if err := checkWritable(snapshot); err != nil {
		return nil, err
	}
	batch, err := datafile.Conform(snapshot.Schema, rec)
	if err != nil {
		return nil, err
	}
	defer batch.Release()
	if batch.NumRows() == 0 {
		return nil, domain.ErrValidation("batch has no rows")
	}

	adds, err := w.writeFiles(ctx, batch)
	if err != nil {
		return nil, err
	}

	version, attempts, err := w.commit(ctx, snapshot, adds)
	if err != nil {
		return nil, err
	}

	res := &CommitResult{Version: version, Attempts: attempts, NumRecords: batch.NumRows()}
	for _, a := range adds {
		res.Files = append(res.Files, a.Path)
	}
	w.logger.Info("append committed",
		"location", w.store.Location(), "version", version, "attempts", attempts,
		"files", len(adds), "rows", res.NumRecords)

	w.maybeCheckpoint(ctx, version)
	return res, nil
}

func (w *Writer) commit(ctx context.Context, snapshot *domain.TableState, adds []*domain.AddFile) (int64, int, error) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if w.opts.RetryBackoff > 0 {
		limiter = rate.NewLimiter(rate.Every(w.opts.RetryBackoff), 1)
	}

	current := snapshot
	maxAttempts := w.opts.MaxRetries + 1
	var version int64
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, attempt, fmt.Errorf("append cancelled before commit: %w", ctxErr)
			}
			// The deadline falls before the next attempt may start.
			lost := &domain.CommitConflictError{Version: version, Attempts: attempt - 1}
			return 0, attempt - 1, fmt.Errorf("%w: no time left to retry: %w", lost, context.DeadlineExceeded)
		}
		version = current.Version + 1
		actions := w.commitActions(current.Version, adds)

		if err := ctx.Err(); err != nil {
			return 0, attempt, fmt.Errorf("append cancelled before commit: %w", err)
		}
		// Once issued, the put runs to completion so its outcome is known.
		err := deltalog.WriteCommit(context.WithoutCancel(ctx), w.store, version, actions)
		if err == nil {
			return version, attempt, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return 0, attempt, domain.ErrIOFailure("commit", deltalog.CommitKey(version), err)
		}

		w.logger.Debug("commit conflict", "version", version, "attempt", attempt)
		if attempt == maxAttempts {
			break
		}
		latest, err := w.reader.Load(ctx)
		if err != nil {
			return 0, attempt, fmt.Errorf("reload after conflict at version %d: %w", version, err)
		}
		if err := checkCompatible(snapshot, latest); err != nil {
			return 0, attempt, err
		}
		current = latest
	}
	return 0, maxAttempts, &domain.CommitConflictError{Version: version, Attempts: maxAttempts}
}

func (w *Writer) commitActions(readVersion int64, adds []*domain.AddFile) []domain.Action {
	blind := true
	rv := readVersion
	actions := make([]domain.Action, 0, len(adds)+1)
	actions = append(actions, domain.Action{CommitInfo: &domain.CommitInfo{
		Timestamp:           w.opts.Clock().UnixMilli(),
		Operation:           "WRITE",
		OperationParameters: map[string]any{"mode": "Append"},
		ReadVersion:         &rv,
		IsBlindAppend:       &blind,
		EngineInfo:          w.opts.EngineInfo,
	}})
	for _, a := range adds {
		actions = append(actions, domain.Action{Add: a})
	}
	return actions
}

// checkWritable rejects tables this writer cannot append to.
func checkWritable(s *domain.TableState) error {
	if !s.Protocol.CanWrite() {
		return &domain.UnsupportedProtocolError{
			MinReaderVersion: s.Protocol.MinReaderVersion,
			MinWriterVersion: s.Protocol.MinWriterVersion,
		}
	}
	if len(s.Metadata.PartitionColumns) > 0 {
		return domain.ErrSchemaMismatch("partitioned tables are not supported (partition columns: %v)",
			s.Metadata.PartitionColumns)
	}
	return nil
}

// checkCompatible verifies that a state read after a conflict still accepts
// a batch built for snapshot.
func checkCompatible(snapshot, latest *domain.TableState) error {
	if err := checkWritable(latest); err != nil {
		return err
	}
	if !latest.Schema.Equal(snapshot.Schema) {
		return domain.ErrSchemaMismatch("table schema changed at version %d while appending", latest.Version)
	}
	return nil
}

// writeFiles splits the batch, encodes each part as Parquet, and uploads the
// parts concurrently.
func (w *Writer) writeFiles(ctx context.Context, batch *datafile.Batch) ([]*domain.AddFile, error) {
	parts := batch.Slice(w.opts.MaxRowsPerFile)
	defer func() {
		for _, p := range parts {
			p.Release()
		}
	}()

	id := uuid.New().String()
	adds := make([]*domain.AddFile, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.WriteParallelism)
	for i, part := range parts {
		g.Go(func() error {
			enc, err := datafile.Encode(w.opts.Allocator, part)
			if err != nil {
				return fmt.Errorf("encode part %d: %w", i, err)
			}
			stats, err := datafile.EncodeStats(enc.Stats)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("part-%05d-%s-c000.snappy.parquet", i, id)
			if err := w.store.Put(gctx, name, enc.Data); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
					return err
				}
				return domain.ErrIOFailure("put", name, err)
			}
			adds[i] = &domain.AddFile{
				Path:             name,
				PartitionValues:  map[string]string{},
				Size:             int64(len(enc.Data)),
				ModificationTime: w.opts.Clock().UnixMilli(),
				DataChange:       true,
				Stats:            stats,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return adds, nil
}

func (w *Writer) maybeCheckpoint(ctx context.Context, version int64) {
	if w.opts.CheckpointInterval <= 0 || version%w.opts.CheckpointInterval != 0 {
		return
	}
	state, err := w.reader.LoadVersion(ctx, version)
	if err == nil {
		err = deltalog.WriteCheckpoint(ctx, w.store, state, w.opts.Allocator)
	}
	if err != nil {
		w.logger.Warn("checkpoint failed", "version", version, "error", err)
		return
	}
	w.logger.Info("checkpoint written", "version", version, "files", len(state.Files))
}
