package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DataType is a primitive column type name as written in the table schema.
type DataType string

// Supported primitive types.
const (
	TypeString    DataType = "string"
	TypeLong      DataType = "long"
	TypeInteger   DataType = "integer"
	TypeShort     DataType = "short"
	TypeByte      DataType = "byte"
	TypeFloat     DataType = "float"
	TypeDouble    DataType = "double"
	TypeBoolean   DataType = "boolean"
	TypeBinary    DataType = "binary"
	TypeDate      DataType = "date"
	TypeTimestamp DataType = "timestamp"
)

var validDataTypes = map[DataType]bool{
	TypeString: true, TypeLong: true, TypeInteger: true, TypeShort: true, TypeByte: true,
	TypeFloat: true, TypeDouble: true, TypeBoolean: true, TypeBinary: true, TypeDate: true,
	TypeTimestamp: true,
}

// Valid reports whether t is a supported primitive type.
func (t DataType) Valid() bool { return validDataTypes[t] }

// HasMinMax reports whether per-file min/max statistics are collected for t.
func (t DataType) HasMinMax() bool {
	switch t {
	case TypeBoolean, TypeBinary:
		return false
	default:
		return t.Valid()
	}
}

// Field is a single named, typed column.
type Field struct {
	Name     string         `json:"name"`
	Type     DataType       `json:"type"`
	Nullable bool           `json:"nullable"`
	Metadata map[string]any `json:"metadata"`
}

// Schema is an ordered list of columns.
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema from fields and validates it.
func NewSchema(fields ...Field) (Schema, error) {
	s := Schema{Fields: fields}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

// Validate checks that column names are non-empty and unique and that every
// type is supported. Column names compare case-insensitively.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no columns")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("column with empty name")
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %q", f.Name)
		}
		seen[key] = true
		if !f.Type.Valid() {
			return fmt.Errorf("column %q has unsupported type %q", f.Name, f.Type)
		}
	}
	return nil
}

// Field returns the column with the given name.
func (s Schema) Field(name string) (Field, bool) {
	i := s.Index(name)
	if i < 0 {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Equal reports whether two schemas have the same columns in the same order,
// with identical types and nullability. Field metadata is ignored.
func (s Schema) Equal(o Schema) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		a, b := s.Fields[i], o.Fields[i]
		if a.Name != b.Name || a.Type != b.Type || a.Nullable != b.Nullable {
			return false
		}
	}
	return true
}

type schemaJSON struct {
	Type   string      `json:"type"`
	Fields []fieldJSON `json:"fields"`
}

type fieldJSON struct {
	Name     string          `json:"name"`
	Type     json.RawMessage `json:"type"`
	Nullable bool            `json:"nullable"`
	Metadata map[string]any  `json:"metadata"`
}

// MarshalJSON encodes the schema as a struct type.
func (s Schema) MarshalJSON() ([]byte, error) {
	out := schemaJSON{Type: "struct", Fields: make([]fieldJSON, len(s.Fields))}
	for i, f := range s.Fields {
		typ, err := json.Marshal(string(f.Type))
		if err != nil {
			return nil, err
		}
		md := f.Metadata
		if md == nil {
			md = map[string]any{}
		}
		out.Fields[i] = fieldJSON{Name: f.Name, Type: typ, Nullable: f.Nullable, Metadata: md}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a struct type. Nested types are rejected.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var in schemaJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Type != "struct" {
		return fmt.Errorf("schema type %q is not struct", in.Type)
	}
	fields := make([]Field, len(in.Fields))
	for i, f := range in.Fields {
		var typ string
		if err := json.Unmarshal(f.Type, &typ); err != nil {
			return fmt.Errorf("column %q: nested types are not supported", f.Name)
		}
		fields[i] = Field{Name: f.Name, Type: DataType(typ), Nullable: f.Nullable, Metadata: f.Metadata}
	}
	s.Fields = fields
	return nil
}

// ParseSchemaString decodes a schemaString as stored in table metadata.
func ParseSchemaString(raw string) (Schema, error) {
	var s Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, fmt.Errorf("parse schema: %w", err)
	}
	return s, nil
}

// SchemaString encodes the schema for storage in table metadata.
func (s Schema) SchemaString() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
