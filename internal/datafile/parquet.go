package datafile

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"delta-append/internal/domain"
)

// Encoded is one serialized data file ready to upload.
type Encoded struct {
	Data  []byte
	Stats domain.FileStats
}

// Encode serializes the batch as a Snappy-compressed Parquet file and
// computes its statistics.
func Encode(mem memory.Allocator, b *Batch) (*Encoded, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
		parquet.WithCreatedBy("delta-append"),
	)
	fw, err := pqarrow.NewFileWriter(b.Record.Schema(), &buf, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema(), pqarrow.WithAllocator(mem)))
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	if err := fw.Write(b.Record); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	return &Encoded{Data: buf.Bytes(), Stats: ComputeStats(b)}, nil
}
