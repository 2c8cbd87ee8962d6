// Package datafile turns caller rows into Arrow record batches that follow a
// table schema, and serializes them as Parquet data files with statistics.
package datafile

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"delta-append/internal/domain"
)

// ArrowType returns the Arrow type used to hold values of t.
func ArrowType(t domain.DataType) (arrow.DataType, error) {
	switch t {
	case domain.TypeString:
		return arrow.BinaryTypes.String, nil
	case domain.TypeLong:
		return arrow.PrimitiveTypes.Int64, nil
	case domain.TypeInteger:
		return arrow.PrimitiveTypes.Int32, nil
	case domain.TypeShort:
		return arrow.PrimitiveTypes.Int16, nil
	case domain.TypeByte:
		return arrow.PrimitiveTypes.Int8, nil
	case domain.TypeFloat:
		return arrow.PrimitiveTypes.Float32, nil
	case domain.TypeDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case domain.TypeBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	case domain.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case domain.TypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case domain.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	default:
		return nil, fmt.Errorf("unsupported type %q", t)
	}
}

// ArrowSchema converts a table schema to the Arrow schema of its row batches.
func ArrowSchema(s domain.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		typ, err := ArrowType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: typ, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// Batch is a row batch laid out in table-schema column order.
// Release must be called once the batch is no longer needed.
type Batch struct {
	Schema domain.Schema
	Record arrow.Record
}

// NumRows returns the number of rows in the batch.
func (b *Batch) NumRows() int64 { return b.Record.NumRows() }

// Release frees the underlying Arrow buffers.
func (b *Batch) Release() { b.Record.Release() }

// NewBatch builds a batch from rows. Every row key must name a schema column;
// absent keys are written as nulls. Values are coerced to column types:
// JSON-style float64 integers are accepted for integer columns, and
// timestamps/dates accept time.Time, RFC 3339 strings, or (timestamps only)
// integer epoch microseconds.
func NewBatch(mem memory.Allocator, schema domain.Schema, rows []domain.Row) (*Batch, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	if len(rows) == 0 {
		return nil, domain.ErrValidation("batch has no rows")
	}
	as, err := ArrowSchema(schema)
	if err != nil {
		return nil, domain.ErrSchemaMismatch("%v", err)
	}

	b := array.NewRecordBuilder(mem, as)
	defer b.Release()

	for i, row := range rows {
		if err := checkRowColumns(schema, row); err != nil {
			return nil, domain.ErrSchemaMismatch("row %d: %v", i, err)
		}
		for c, f := range schema.Fields {
			v, _ := lookup(row, f.Name)
			if err := appendValue(b.Field(c), f, v); err != nil {
				return nil, domain.ErrSchemaMismatch("row %d: column %q: %v", i, f.Name, err)
			}
		}
	}
	return &Batch{Schema: schema, Record: b.NewRecord()}, nil
}

// Conform validates an externally built record against schema and returns a
// batch with its columns reordered into schema order. The record's columns
// must match the schema exactly by name, type, and nullability.
func Conform(schema domain.Schema, rec arrow.Record) (*Batch, error) {
	want, err := ArrowSchema(schema)
	if err != nil {
		return nil, domain.ErrSchemaMismatch("%v", err)
	}
	got := rec.Schema()
	if got.NumFields() != want.NumFields() {
		return nil, domain.ErrSchemaMismatch("batch has %d columns, table has %d (%s)",
			got.NumFields(), want.NumFields(), strings.Join(schema.Names(), ", "))
	}

	cols := make([]arrow.Array, want.NumFields())
	for i, wf := range want.Fields() {
		idx := got.FieldIndices(wf.Name)
		if len(idx) != 1 {
			return nil, domain.ErrSchemaMismatch("batch is missing column %q", wf.Name)
		}
		gf := got.Field(idx[0])
		if !arrow.TypeEqual(gf.Type, wf.Type) {
			return nil, domain.ErrSchemaMismatch("column %q has type %s, table expects %s (%s)",
				wf.Name, gf.Type, wf.Type, schema.Fields[i].Type)
		}
		col := rec.Column(idx[0])
		if !wf.Nullable && col.NullN() > 0 {
			return nil, domain.ErrSchemaMismatch("column %q is not nullable but has %d null(s)", wf.Name, col.NullN())
		}
		cols[i] = col
	}
	return &Batch{Schema: schema, Record: array.NewRecord(want, cols, rec.NumRows())}, nil
}

// Slice splits the batch into consecutive batches of at most maxRows rows.
// The returned batches share buffers with b and must each be released.
func (b *Batch) Slice(maxRows int64) []*Batch {
	n := b.NumRows()
	if maxRows <= 0 || n <= maxRows {
		b.Record.Retain()
		return []*Batch{{Schema: b.Schema, Record: b.Record}}
	}
	var out []*Batch
	for start := int64(0); start < n; start += maxRows {
		end := min(start+maxRows, n)
		out = append(out, &Batch{Schema: b.Schema, Record: b.Record.NewSlice(start, end)})
	}
	return out
}

// checkRowColumns rejects keys that name no column, and keys that differ only
// in case and so resolve to the same column.
func checkRowColumns(schema domain.Schema, row domain.Row) error {
	var unknown, repeated []string
	seen := make(map[int]bool, len(row))
	for k := range row {
		idx := schema.Index(k)
		if idx < 0 {
			unknown = append(unknown, k)
			continue
		}
		if seen[idx] {
			repeated = append(repeated, schema.Fields[idx].Name)
		}
		seen[idx] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown column(s) %s", strings.Join(unknown, ", "))
	}
	if len(repeated) > 0 {
		sort.Strings(repeated)
		return fmt.Errorf("column %q given more than once", repeated[0])
	}
	return nil
}

// lookup finds a row value by exact name, then case-insensitively.
func lookup(row domain.Row, name string) (any, bool) {
	if v, ok := row[name]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func appendValue(b array.Builder, f domain.Field, v any) error {
	if v == nil {
		if !f.Nullable {
			return fmt.Errorf("null value in non-nullable column")
		}
		b.AppendNull()
		return nil
	}

	switch bb := b.(type) {
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return typeError(f, v)
		}
		bb.Append(s)
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			bb.Append(x)
		case string:
			bb.AppendString(x)
		default:
			return typeError(f, v)
		}
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return typeError(f, v)
		}
		bb.Append(x)
	case *array.Int64Builder:
		n, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		bb.Append(n)
	case *array.Int32Builder:
		n, err := toInt(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		bb.Append(int32(n))
	case *array.Int16Builder:
		n, err := toInt(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		bb.Append(int16(n))
	case *array.Int8Builder:
		n, err := toInt(v, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		bb.Append(int8(n))
	case *array.Float64Builder:
		x, err := toFloat(v)
		if err != nil {
			return err
		}
		bb.Append(x)
	case *array.Float32Builder:
		x, err := toFloat(v)
		if err != nil {
			return err
		}
		bb.Append(float32(x))
	case *array.Date32Builder:
		t, err := toTime(v, time.DateOnly)
		if err != nil {
			return err
		}
		bb.Append(arrow.Date32FromTime(t))
	case *array.TimestampBuilder:
		switch v.(type) {
		case time.Time, string:
			t, err := toTime(v, time.RFC3339Nano)
			if err != nil {
				return err
			}
			bb.Append(arrow.Timestamp(t.UnixMicro()))
		default:
			n, err := toInt(v, math.MinInt64, math.MaxInt64)
			if err != nil {
				return err
			}
			bb.Append(arrow.Timestamp(n))
		}
	default:
		return fmt.Errorf("no builder for type %s", f.Type)
	}
	return nil
}

func typeError(f domain.Field, v any) error {
	return fmt.Errorf("cannot use %T value %v as %s", v, v, f.Type)
}

func toInt(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		if x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, fmt.Errorf("value %v out of range", x)
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("value %s is not an integer", x)
		}
		n = i
	default:
		return 0, fmt.Errorf("cannot use %T value %v as an integer", v, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		n, err := toInt(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return 0, fmt.Errorf("cannot use %T value %v as a number", v, v)
		}
		return float64(n), nil
	}
}

func toTime(v any, layout string) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(layout, x)
		if err != nil && layout == time.DateOnly {
			t, err = time.Parse(time.RFC3339Nano, x)
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q as %s", x, layout)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot use %T value %v as a time", v, v)
	}
}
