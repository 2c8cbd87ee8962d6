package writer

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/duckdb/duckdb-go/v2"

	"delta-append/internal/storage"
	"delta-append/internal/testutil"
)

func openTestDuckDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// The live files of the reconstructed state are plain Parquet that an
// external engine reads back with the committed values.
func TestAppend_ReadableByDuckDB(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStore(dir)
	require.NoError(t, err)
	state := testutil.SeedTable(t, store, testutil.ReadingSchema(t))
	w := New(store, nil, testOptions())
	ctx := context.Background()

	_, err = w.Append(ctx, state, readingRecord(t, 5.0, -3.0))
	require.NoError(t, err)
	_, err = w.Append(ctx, load(t, store), readingRecord(t, 10.0))
	require.NoError(t, err)

	final := load(t, store)
	paths := make([]string, len(final.Files))
	for i, f := range final.Files {
		paths[i] = "'" + filepath.Join(dir, f.Path) + "'"
	}

	db := openTestDuckDB(t)
	var (
		count int64
		sum   float64
		maxTs int64
	)
	query := "SELECT count(*), sum(temp), max(ts) FROM read_parquet([" + strings.Join(paths, ", ") + "])"
	require.NoError(t, db.QueryRowContext(ctx, query).Scan(&count, &sum, &maxTs))
	assert.Equal(t, final.NumRecords(), count)
	assert.InDelta(t, 12.0, sum, 1e-9)
	assert.Equal(t, int64(2), maxTs)

	var typ string
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT column_type FROM (DESCRIBE SELECT * FROM read_parquet("+paths[0]+")) WHERE column_name = 'temp'").Scan(&typ))
	assert.Equal(t, "DOUBLE", typ)
}
