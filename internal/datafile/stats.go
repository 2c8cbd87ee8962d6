package datafile

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"delta-append/internal/domain"
)

// Layouts used for temporal values in statistics.
const (
	StatsTimestampLayout = "2006-01-02T15:04:05.000000Z"
	StatsDateLayout      = time.DateOnly
)

// ComputeStats returns row count, per-column null counts, and min/max values
// for columns whose type supports ordering. NaN floats are ignored for
// min/max; a column with no comparable values gets no min/max entry.
func ComputeStats(b *Batch) domain.FileStats {
	st := domain.FileStats{
		NumRecords: b.NumRows(),
		MinValues:  map[string]any{},
		MaxValues:  map[string]any{},
		NullCount:  map[string]int64{},
	}
	for i, f := range b.Schema.Fields {
		col := b.Record.Column(i)
		st.NullCount[f.Name] = int64(col.NullN())
		if !f.Type.HasMinMax() {
			continue
		}
		lo, hi, ok := minMax(col)
		if ok {
			st.MinValues[f.Name] = lo
			st.MaxValues[f.Name] = hi
		}
	}
	return st
}

func minMax(col arrow.Array) (lo, hi any, ok bool) {
	switch a := col.(type) {
	case *array.Int64:
		return orderedMinMax(a, a.Value)
	case *array.Int32:
		return orderedMinMax(a, a.Value)
	case *array.Int16:
		return orderedMinMax(a, a.Value)
	case *array.Int8:
		return orderedMinMax(a, a.Value)
	case *array.Float64:
		return floatMinMax(a, a.Value)
	case *array.Float32:
		return floatMinMax(a, func(i int) float64 { return float64(a.Value(i)) })
	case *array.String:
		return orderedMinMax(a, a.Value)
	case *array.Date32:
		l, h, ok := orderedMinMax(a, a.Value)
		if !ok {
			return nil, nil, false
		}
		return l.(arrow.Date32).ToTime().Format(StatsDateLayout),
			h.(arrow.Date32).ToTime().Format(StatsDateLayout), true
	case *array.Timestamp:
		l, h, ok := orderedMinMax(a, a.Value)
		if !ok {
			return nil, nil, false
		}
		return time.UnixMicro(int64(l.(arrow.Timestamp))).UTC().Format(StatsTimestampLayout),
			time.UnixMicro(int64(h.(arrow.Timestamp))).UTC().Format(StatsTimestampLayout), true
	default:
		return nil, nil, false
	}
}

type ordered interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~string
}

func orderedMinMax[T ordered](a arrow.Array, value func(int) T) (lo, hi any, ok bool) {
	var l, h T
	for i := 0; i < a.Len(); i++ {
		if a.IsNull(i) {
			continue
		}
		v := value(i)
		if !ok || v < l {
			l = v
		}
		if !ok || v > h {
			h = v
		}
		ok = true
	}
	if !ok {
		return nil, nil, false
	}
	return l, h, true
}

func floatMinMax[T float32 | float64](a arrow.Array, value func(int) T) (lo, hi any, ok bool) {
	var l, h float64
	for i := 0; i < a.Len(); i++ {
		if a.IsNull(i) {
			continue
		}
		v := float64(value(i))
		if math.IsNaN(v) {
			continue
		}
		if !ok || v < l {
			l = v
		}
		if !ok || v > h {
			h = v
		}
		ok = true
	}
	if !ok || math.IsInf(l, 0) || math.IsInf(h, 0) {
		return nil, nil, false
	}
	return l, h, true
}

// EncodeStats renders stats as the JSON string stored in an add action.
func EncodeStats(st domain.FileStats) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode stats: %w", err)
	}
	return string(b), nil
}

// DecodeStats parses an add action's stats string. Numbers are kept as
// json.Number so 64-bit integers survive exactly.
func DecodeStats(raw string) (*domain.FileStats, error) {
	if raw == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var st domain.FileStats
	if err := dec.Decode(&st); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &st, nil
}

// CheckStatsCompatible verifies that every column a file has statistics for
// exists in schema and that recorded min/max values are valid for the
// column's type.
func CheckStatsCompatible(schema domain.Schema, st *domain.FileStats) error {
	if st == nil {
		return nil
	}
	for col := range st.NullCount {
		if _, ok := schema.Field(col); !ok {
			return fmt.Errorf("column %q has statistics but is not in the schema", col)
		}
	}
	for _, values := range []map[string]any{st.MinValues, st.MaxValues} {
		for col, v := range values {
			f, ok := schema.Field(col)
			if !ok {
				return fmt.Errorf("column %q has statistics but is not in the schema", col)
			}
			if err := checkStatValue(f, v); err != nil {
				return fmt.Errorf("column %q: recorded value %v is not a valid %s: %w", col, v, f.Type, err)
			}
		}
	}
	return nil
}

func checkStatValue(f domain.Field, v any) error {
	switch f.Type {
	case domain.TypeLong:
		_, err := toInt(v, math.MinInt64, math.MaxInt64)
		return err
	case domain.TypeInteger:
		_, err := toInt(v, math.MinInt32, math.MaxInt32)
		return err
	case domain.TypeShort:
		_, err := toInt(v, math.MinInt16, math.MaxInt16)
		return err
	case domain.TypeByte:
		_, err := toInt(v, math.MinInt8, math.MaxInt8)
		return err
	case domain.TypeFloat, domain.TypeDouble:
		_, err := toFloat(v)
		return err
	case domain.TypeString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("not a string")
		}
		return nil
	case domain.TypeDate:
		_, err := toTime(v, StatsDateLayout)
		return err
	case domain.TypeTimestamp:
		_, err := toTime(v, time.RFC3339Nano)
		return err
	default:
		return fmt.Errorf("type has no min/max statistics")
	}
}
