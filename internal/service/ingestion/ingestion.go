// Package ingestion implements the append client: it loads the current
// table state, shapes caller rows into a batch that follows the table schema,
// and hands the batch to the conflict-checking writer.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"delta-append/internal/datafile"
	"delta-append/internal/domain"
	"delta-append/internal/writer"
)

// BatchAppender commits a record batch on top of a table snapshot.
// Implemented by writer.Writer.
type BatchAppender interface {
	Append(ctx context.Context, snapshot *domain.TableState, rec arrow.Record) (*writer.CommitResult, error)
}

var _ BatchAppender = (*writer.Writer)(nil)

// AppendService appends batches of rows to one table.
//
//nolint:revive // Name chosen for clarity across package boundaries
type AppendService struct {
	reader   domain.TableReader
	appender BatchAppender
	logger   *slog.Logger
	mem      memory.Allocator
}

// NewAppendService creates a new AppendService.
func NewAppendService(reader domain.TableReader, appender BatchAppender, logger *slog.Logger) *AppendService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AppendService{
		reader:   reader,
		appender: appender,
		logger:   logger,
		mem:      memory.DefaultAllocator,
	}
}

// Append adds rows to the table. Row values are coerced to the table's
// column types; unknown columns or incompatible values fail with a
// SchemaMismatchError before anything is written.
func (s *AppendService) Append(ctx context.Context, rows []domain.Row) (*writer.CommitResult, error) {
	state, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	batch, err := datafile.NewBatch(s.mem, state.Schema, rows)
	if err != nil {
		return nil, err
	}
	defer batch.Release()
	return s.commit(ctx, state, batch.Record)
}

// AppendRecord adds an Arrow record whose columns already match the table
// schema by name, type, and nullability.
func (s *AppendService) AppendRecord(ctx context.Context, rec arrow.Record) (*writer.CommitResult, error) {
	if rec == nil {
		return nil, domain.ErrValidation("record is required")
	}
	state, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, state, rec)
}

func (s *AppendService) load(ctx context.Context) (*domain.TableState, error) {
	state, err := s.reader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load table: %w", err)
	}
	s.logger.Debug("table loaded",
		"location", state.Location, "version", state.Version, "files", len(state.Files))
	return state, nil
}

func (s *AppendService) commit(ctx context.Context, state *domain.TableState, rec arrow.Record) (*writer.CommitResult, error) {
	start := time.Now()
	res, err := s.appender.Append(ctx, state, rec)
	if err != nil {
		s.logger.Error("append failed",
			"location", state.Location, "read_version", state.Version,
			"code", domain.ErrorCode(err), "error", err)
		return nil, err
	}
	s.logger.Info("rows appended",
		"location", state.Location, "version", res.Version, "rows", res.NumRecords,
		"files", len(res.Files), "attempts", res.Attempts, "duration", time.Since(start))
	return res, nil
}
