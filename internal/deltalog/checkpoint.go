package deltalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"delta-append/internal/domain"
	"delta-append/internal/storage"
)

var (
	stringMap  = arrow.MapOf(arrow.BinaryTypes.String, arrow.BinaryTypes.String)
	stringList = arrow.ListOf(arrow.BinaryTypes.String)
)

func nullable(name string, t arrow.DataType) arrow.Field {
	return arrow.Field{Name: name, Type: t, Nullable: true}
}

// checkpointSchema has one nullable struct column per action kind; each row
// carries exactly one action.
var checkpointSchema = arrow.NewSchema([]arrow.Field{
	nullable("protocol", arrow.StructOf(
		nullable("minReaderVersion", arrow.PrimitiveTypes.Int32),
		nullable("minWriterVersion", arrow.PrimitiveTypes.Int32),
	)),
	nullable("metaData", arrow.StructOf(
		nullable("id", arrow.BinaryTypes.String),
		nullable("name", arrow.BinaryTypes.String),
		nullable("description", arrow.BinaryTypes.String),
		nullable("format", arrow.StructOf(
			nullable("provider", arrow.BinaryTypes.String),
			nullable("options", stringMap),
		)),
		nullable("schemaString", arrow.BinaryTypes.String),
		nullable("partitionColumns", stringList),
		nullable("configuration", stringMap),
		nullable("createdTime", arrow.PrimitiveTypes.Int64),
	)),
	nullable("add", arrow.StructOf(
		nullable("path", arrow.BinaryTypes.String),
		nullable("partitionValues", stringMap),
		nullable("size", arrow.PrimitiveTypes.Int64),
		nullable("modificationTime", arrow.PrimitiveTypes.Int64),
		nullable("dataChange", arrow.FixedWidthTypes.Boolean),
		nullable("stats", arrow.BinaryTypes.String),
		nullable("tags", stringMap),
	)),
	nullable("remove", arrow.StructOf(
		nullable("path", arrow.BinaryTypes.String),
		nullable("deletionTimestamp", arrow.PrimitiveTypes.Int64),
		nullable("dataChange", arrow.FixedWidthTypes.Boolean),
		nullable("partitionValues", stringMap),
		nullable("size", arrow.PrimitiveTypes.Int64),
	)),
}, nil)

// WriteCheckpoint stores a Parquet checkpoint of state and then points
// _last_checkpoint at it. Checkpoints are derived data: a reader that finds
// none replays the JSON commits instead.
func WriteCheckpoint(ctx context.Context, store domain.ObjectStore, state *domain.TableState, mem memory.Allocator) error {
	if mem == nil {
		mem = memory.DefaultAllocator
	}

	actions := checkpointActions(state)
	rec, err := buildCheckpointRecord(mem, actions)
	if err != nil {
		return fmt.Errorf("build checkpoint: %w", err)
	}
	defer rec.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
	)
	fw, err := pqarrow.NewFileWriter(checkpointSchema, &buf, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return fmt.Errorf("create checkpoint writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close checkpoint writer: %w", err)
	}

	key := CheckpointKey(state.Version)
	if err := store.Put(ctx, key, buf.Bytes()); err != nil {
		return ioFailure("put", key, err)
	}
	pointer, err := json.Marshal(lastCheckpoint{Version: state.Version, Size: int64(len(actions))})
	if err != nil {
		return err
	}
	if err := store.Put(ctx, LastCheckpointKey, pointer); err != nil {
		return ioFailure("put", LastCheckpointKey, err)
	}
	return nil
}

func checkpointActions(state *domain.TableState) []domain.Action {
	p := state.Protocol
	m := state.Metadata
	actions := make([]domain.Action, 0, len(state.Files)+2)
	actions = append(actions, domain.Action{Protocol: &p}, domain.Action{MetaData: &m})
	for _, f := range state.Files {
		add := &domain.AddFile{
			Path:             f.Path,
			PartitionValues:  f.PartitionValues,
			Size:             f.Size,
			ModificationTime: f.ModificationTime,
			DataChange:       false,
		}
		if f.Stats != nil {
			// Stats decoded from the log round-trip through json.Marshal unchanged.
			if b, err := json.Marshal(f.Stats); err == nil {
				add.Stats = string(b)
			}
		}
		actions = append(actions, domain.Action{Add: add})
	}
	return actions
}

func buildCheckpointRecord(mem memory.Allocator, actions []domain.Action) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, checkpointSchema)
	defer b.Release()

	for i, a := range actions {
		row, err := toGeneric(a)
		if err != nil {
			return nil, err
		}
		for c, f := range checkpointSchema.Fields() {
			if err := appendGeneric(b.Field(c), row[f.Name]); err != nil {
				return nil, fmt.Errorf("action %d, column %s: %w", i, f.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

// toGeneric converts v to the map/slice/json.Number tree encoding/json
// produces, which appendGeneric then walks alongside the Arrow type.
func toGeneric(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func appendGeneric(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.StructBuilder:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		bb.Append(true)
		st := bb.Type().(*arrow.StructType)
		for i, f := range st.Fields() {
			if err := appendGeneric(bb.FieldBuilder(i), m[f.Name]); err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
		}
	case *array.MapBuilder:
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		bb.Append(true)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kb := bb.KeyBuilder().(*array.StringBuilder)
		for _, k := range keys {
			kb.Append(k)
			if err := appendGeneric(bb.ItemBuilder(), m[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	case *array.ListBuilder:
		l, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		bb.Append(true)
		for _, item := range l {
			if err := appendGeneric(bb.ValueBuilder(), item); err != nil {
				return err
			}
		}
	case *array.StringBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		bb.Append(s)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		bb.Append(x)
	case *array.Int64Builder:
		n, err := jsonInt(v)
		if err != nil {
			return err
		}
		bb.Append(n)
	case *array.Int32Builder:
		n, err := jsonInt(v)
		if err != nil {
			return err
		}
		bb.Append(int32(n))
	default:
		return fmt.Errorf("unsupported checkpoint column type %s", b.Type())
	}
	return nil
}

func jsonInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Int64()
}

func (r *Reader) readCheckpoint(ctx context.Context, version int64, st *replayState) error {
	key := CheckpointKey(version)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return domain.ErrCorruptLog(version, err, "checkpoint vanished during read")
		}
		return ioFailure("get", key, err)
	}

	tbl, err := pqarrow.ReadTable(ctx, bytes.NewReader(data),
		parquet.NewReaderProperties(r.mem), pqarrow.ArrowReadProperties{}, r.mem)
	if err != nil {
		return domain.ErrCorruptLog(version, err, "unreadable checkpoint")
	}
	defer tbl.Release()

	rec := &domain.CommitRecord{Version: version}
	tr := array.NewTableReader(tbl, 1024)
	defer tr.Release()
	for tr.Next() {
		batch := tr.Record()
		for row := 0; row < int(batch.NumRows()); row++ {
			line := make(map[string]any, 1)
			for c := 0; c < int(batch.NumCols()); c++ {
				col := batch.Column(c)
				if col.IsNull(row) {
					continue
				}
				line[batch.ColumnName(c)] = arrowValue(col, row)
			}
			if len(line) == 0 {
				continue
			}
			raw, err := json.Marshal(line)
			if err != nil {
				return domain.ErrCorruptLog(version, err, "checkpoint row %d", row)
			}
			var a domain.Action
			if err := json.Unmarshal(raw, &a); err != nil {
				return domain.ErrCorruptLog(version, err, "checkpoint row %d", row)
			}
			if err := checkAction(a); err != nil {
				return domain.ErrCorruptLog(version, nil, "checkpoint row %d: %v", row, err)
			}
			rec.Actions = append(rec.Actions, a)
		}
	}
	if err := tr.Err(); err != nil {
		return domain.ErrCorruptLog(version, err, "unreadable checkpoint")
	}

	r.logger.Debug("loaded checkpoint", "version", version, "actions", len(rec.Actions))
	return st.apply(rec)
}

// arrowValue converts one cell into the generic form encoding/json accepts.
func arrowValue(col arrow.Array, i int) any {
	if col.IsNull(i) {
		return nil
	}
	switch a := col.(type) {
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		m := make(map[string]any, st.NumFields())
		for f := 0; f < st.NumFields(); f++ {
			m[st.Field(f).Name] = arrowValue(a.Field(f), i)
		}
		return m
	case *array.Map:
		start, end := a.ValueOffsets(i)
		keys, items := a.Keys(), a.Items()
		m := make(map[string]any, end-start)
		for j := start; j < end; j++ {
			m[fmt.Sprint(arrowValue(keys, int(j)))] = arrowValue(items, int(j))
		}
		return m
	case *array.List:
		start, end := a.ValueOffsets(i)
		values := a.ListValues()
		l := make([]any, 0, end-start)
		for j := start; j < end; j++ {
			l = append(l, arrowValue(values, int(j)))
		}
		return l
	case *array.String:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return a.Value(i)
	default:
		return col.ValueStr(i)
	}
}
