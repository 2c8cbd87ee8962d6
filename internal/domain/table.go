package domain

import (
	"sort"
	"time"
)

// Protocol versions this client implements.
const (
	SupportedReaderVersion int32 = 1
	SupportedWriterVersion int32 = 2
)

// Protocol is the reader/writer version marker of a table.
type Protocol struct {
	MinReaderVersion int32 `json:"minReaderVersion"`
	MinWriterVersion int32 `json:"minWriterVersion"`
}

// CanRead reports whether this client may read a table with protocol p.
func (p Protocol) CanRead() bool { return p.MinReaderVersion <= SupportedReaderVersion }

// CanWrite reports whether this client may append to a table with protocol p.
func (p Protocol) CanWrite() bool {
	return p.CanRead() && p.MinWriterVersion <= SupportedWriterVersion
}

// Format names the physical file format of a table's data files.
type Format struct {
	Provider string            `json:"provider"`
	Options  map[string]string `json:"options"`
}

// Metadata describes a table: identity, schema, partitioning and properties.
type Metadata struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	Description      string            `json:"description,omitempty"`
	Format           Format            `json:"format"`
	SchemaString     string            `json:"schemaString"`
	PartitionColumns []string          `json:"partitionColumns"`
	Configuration    map[string]string `json:"configuration"`
	CreatedTime      *int64            `json:"createdTime,omitempty"`
}

// FileStats are summary statistics for one data file.
// Min/max values are kept in their JSON-decoded form.
type FileStats struct {
	NumRecords int64            `json:"numRecords"`
	MinValues  map[string]any   `json:"minValues,omitempty"`
	MaxValues  map[string]any   `json:"maxValues,omitempty"`
	NullCount  map[string]int64 `json:"nullCount,omitempty"`
}

// FileRef references one physical data file that is live in a table.
type FileRef struct {
	Path             string            // relative to the table root
	Size             int64             // bytes
	ModificationTime int64             // unix millis
	PartitionValues  map[string]string // empty for unpartitioned tables
	Stats            *FileStats        // nil when the writer recorded none
}

// NumRecords returns the recorded row count, or 0 when unknown.
func (f FileRef) NumRecords() int64 {
	if f.Stats == nil {
		return 0
	}
	return f.Stats.NumRecords
}

// TableState is the reconstructed view of a table at one log version.
// It is a snapshot: callers must treat it as read-only.
type TableState struct {
	Location string
	Version  int64
	Protocol Protocol
	Metadata Metadata
	Schema   Schema
	Files    []FileRef // sorted by Path
}

// NumRecords sums the recorded row counts of all live files.
func (s *TableState) NumRecords() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.NumRecords()
	}
	return n
}

// SizeBytes sums the sizes of all live files.
func (s *TableState) SizeBytes() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Size
	}
	return n
}

// File returns the live file with the given path.
func (s *TableState) File(path string) (FileRef, bool) {
	i := sort.Search(len(s.Files), func(i int) bool { return s.Files[i].Path >= path })
	if i < len(s.Files) && s.Files[i].Path == path {
		return s.Files[i], true
	}
	return FileRef{}, false
}

// CreatedAt returns the table creation time, if recorded.
func (s *TableState) CreatedAt() (time.Time, bool) {
	if s.Metadata.CreatedTime == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.Metadata.CreatedTime).UTC(), true
}

// Row is one caller-supplied row keyed by column name.
type Row map[string]any
