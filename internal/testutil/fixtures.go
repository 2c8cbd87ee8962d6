package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"delta-append/internal/deltalog"
	"delta-append/internal/domain"
)

// TableActions returns the actions of an initial commit for an unpartitioned
// Parquet table with schema. Tests may alter them before writing.
func TableActions(t testing.TB, schema domain.Schema) []domain.Action {
	t.Helper()
	schemaString, err := schema.SchemaString()
	require.NoError(t, err)

	created := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	return []domain.Action{
		{Protocol: &domain.Protocol{MinReaderVersion: 1, MinWriterVersion: 2}},
		{MetaData: &domain.Metadata{
			ID:               uuid.NewString(),
			Format:           domain.Format{Provider: "parquet", Options: map[string]string{}},
			SchemaString:     schemaString,
			PartitionColumns: []string{},
			Configuration:    map[string]string{},
			CreatedTime:      &created,
		}},
		{CommitInfo: &domain.CommitInfo{
			Timestamp: created,
			Operation: "CREATE TABLE",
		}},
	}
}

// SeedTable writes version 0 of an empty table with schema into store and
// returns its state.
func SeedTable(t testing.TB, store domain.ObjectStore, schema domain.Schema) *domain.TableState {
	t.Helper()
	WriteCommit(t, store, 0, TableActions(t, schema)...)
	state, err := deltalog.NewReader(store, nil).Load(context.Background())
	require.NoError(t, err)
	return state
}

// WriteCommit stores a raw commit record, failing the test if the version is taken.
func WriteCommit(t testing.TB, store domain.ObjectStore, version int64, actions ...domain.Action) {
	t.Helper()
	require.NoError(t, deltalog.WriteCommit(context.Background(), store, version, actions))
}

// MustSchema builds a schema or fails the test.
func MustSchema(t testing.TB, fields ...domain.Field) domain.Schema {
	t.Helper()
	s, err := domain.NewSchema(fields...)
	require.NoError(t, err)
	return s
}

// ReadingSchema is the two-column schema used across writer and reader tests:
// ts long (required) and temp double.
func ReadingSchema(t testing.TB) domain.Schema {
	return MustSchema(t,
		domain.Field{Name: "ts", Type: domain.TypeLong, Nullable: false},
		domain.Field{Name: "temp", Type: domain.TypeDouble, Nullable: true},
	)
}
