package deltalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"delta-append/internal/datafile"
	"delta-append/internal/domain"
	"delta-append/internal/storage"
)

var _ domain.TableReader = (*Reader)(nil)

// Reader reconstructs table state by replaying the log. It never writes.
type Reader struct {
	store  domain.ObjectStore
	logger *slog.Logger
	mem    memory.Allocator
}

// NewReader creates a Reader over store.
func NewReader(store domain.ObjectStore, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{store: store, logger: logger, mem: memory.DefaultAllocator}
}

// logListing is the set of commit and checkpoint versions present in the log.
type logListing struct {
	commits     []int64 // ascending
	checkpoints []int64 // ascending
}

func (l *logListing) latest() int64 {
	v := int64(-1)
	if n := len(l.commits); n > 0 {
		v = l.commits[n-1]
	}
	if n := len(l.checkpoints); n > 0 && l.checkpoints[n-1] > v {
		v = l.checkpoints[n-1]
	}
	return v
}

func (r *Reader) list(ctx context.Context) (*logListing, error) {
	objs, err := r.store.List(ctx, LogDir+"/")
	if err != nil {
		return nil, ioFailure("list", LogDir, err)
	}
	var l logListing
	for _, o := range objs {
		v, kind := parseLogKey(o.Key)
		switch kind {
		case kindCommit:
			l.commits = append(l.commits, v)
		case kindCheckpoint:
			l.checkpoints = append(l.checkpoints, v)
		}
	}
	slices.Sort(l.commits)
	slices.Sort(l.checkpoints)
	return &l, nil
}

// LatestVersion returns the highest version present in the log.
func (r *Reader) LatestVersion(ctx context.Context) (int64, error) {
	l, err := r.list(ctx)
	if err != nil {
		return 0, err
	}
	v := l.latest()
	if v < 0 {
		return 0, domain.ErrMissingLog(r.store.Location())
	}
	return v, nil
}

// Load returns the state at the latest version. It starts from the
// checkpoint named by _last_checkpoint when there is one.
func (r *Reader) Load(ctx context.Context) (*domain.TableState, error) {
	l, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	target := l.latest()
	if target < 0 {
		return nil, domain.ErrMissingLog(r.store.Location())
	}
	hint, err := r.readLastCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	return r.loadAt(ctx, l, target, hint)
}

// LoadVersion returns the state as of version.
func (r *Reader) LoadVersion(ctx context.Context, version int64) (*domain.TableState, error) {
	if version < 0 {
		return nil, domain.ErrValidation("version must be non-negative, got %d", version)
	}
	l, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	latest := l.latest()
	if latest < 0 {
		return nil, domain.ErrMissingLog(r.store.Location())
	}
	if version > latest {
		return nil, domain.ErrValidation("version %d does not exist (latest is %d)", version, latest)
	}
	return r.loadAt(ctx, l, version, nil)
}

func (r *Reader) loadAt(ctx context.Context, l *logListing, target int64, hint *lastCheckpoint) (*domain.TableState, error) {
	st := newReplayState()
	start := int64(0)

	if cp := chooseCheckpoint(l, target, hint); cp >= 0 {
		if err := r.readCheckpoint(ctx, cp, st); err != nil {
			return nil, err
		}
		start = cp + 1
	}

	r.logger.Debug("replaying log", "location", r.store.Location(), "from", start, "to", target)

	for v := start; v <= target; v++ {
		if _, found := slices.BinarySearch(l.commits, v); !found {
			return nil, domain.ErrCorruptLog(v, nil, "commit record missing (log has a gap before version %d)", target)
		}
		rec, err := r.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		if err := st.apply(rec); err != nil {
			return nil, err
		}
	}

	return st.build(r.store.Location(), target)
}

// chooseCheckpoint returns the version of the checkpoint to start from, or -1.
func chooseCheckpoint(l *logListing, target int64, hint *lastCheckpoint) int64 {
	if hint != nil && hint.Version <= target {
		if _, ok := slices.BinarySearch(l.checkpoints, hint.Version); ok {
			return hint.Version
		}
	}
	best := int64(-1)
	for _, v := range l.checkpoints {
		if v <= target {
			best = v
		}
	}
	return best
}

func (r *Reader) readCommit(ctx context.Context, version int64) (*domain.CommitRecord, error) {
	key := CommitKey(version)
	data, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, domain.ErrCorruptLog(version, err, "commit record vanished during read")
		}
		return nil, ioFailure("get", key, err)
	}
	return DecodeCommit(version, data)
}

// replayState accumulates actions in log order.
type replayState struct {
	protocol *domain.Protocol
	metadata *domain.Metadata
	schema   domain.Schema
	files    map[string]domain.FileRef
}

func newReplayState() *replayState {
	return &replayState{files: make(map[string]domain.FileRef)}
}

func (s *replayState) apply(rec *domain.CommitRecord) error {
	schemaChanged := false
	for _, a := range rec.Actions {
		switch {
		case a.Protocol != nil:
			if !a.Protocol.CanRead() {
				return &domain.UnsupportedProtocolError{
					MinReaderVersion: a.Protocol.MinReaderVersion,
					MinWriterVersion: a.Protocol.MinWriterVersion,
				}
			}
			p := *a.Protocol
			s.protocol = &p
		case a.MetaData != nil:
			schema, err := domain.ParseSchemaString(a.MetaData.SchemaString)
			if err != nil {
				return domain.ErrCorruptLog(rec.Version, err, "invalid table schema")
			}
			m := *a.MetaData
			s.metadata = &m
			s.schema = schema
			schemaChanged = true
		case a.Add != nil:
			ref, err := fileRefFromAdd(a.Add)
			if err != nil {
				return domain.ErrCorruptLog(rec.Version, err, "add %s", a.Add.Path)
			}
			s.files[ref.Path] = ref
		case a.Remove != nil:
			delete(s.files, a.Remove.Path)
		}
	}
	if schemaChanged {
		return s.checkFilesAgainstSchema(rec.Version)
	}
	return nil
}

// checkFilesAgainstSchema reports a SchemaConflict if any live file records
// statistics the current schema cannot describe.
func (s *replayState) checkFilesAgainstSchema(version int64) error {
	for _, path := range sortedKeys(s.files) {
		if err := datafile.CheckStatsCompatible(s.schema, s.files[path].Stats); err != nil {
			return domain.ErrSchemaConflict(version, "live file %s: %v", path, err)
		}
	}
	return nil
}

func (s *replayState) build(location string, version int64) (*domain.TableState, error) {
	if s.protocol == nil {
		return nil, domain.ErrCorruptLog(version, nil, "log has no protocol action")
	}
	if s.metadata == nil {
		return nil, domain.ErrCorruptLog(version, nil, "log has no metaData action")
	}
	files := make([]domain.FileRef, 0, len(s.files))
	for _, path := range sortedKeys(s.files) {
		files = append(files, s.files[path])
	}
	return &domain.TableState{
		Location: location,
		Version:  version,
		Protocol: *s.protocol,
		Metadata: *s.metadata,
		Schema:   s.schema,
		Files:    files,
	}, nil
}

func fileRefFromAdd(a *domain.AddFile) (domain.FileRef, error) {
	stats, err := datafile.DecodeStats(a.Stats)
	if err != nil {
		return domain.FileRef{}, err
	}
	return domain.FileRef{
		Path:             a.Path,
		Size:             a.Size,
		ModificationTime: a.ModificationTime,
		PartitionValues:  a.PartitionValues,
		Stats:            stats,
	}, nil
}

func sortedKeys(m map[string]domain.FileRef) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lastCheckpoint is the content of _delta_log/_last_checkpoint.
type lastCheckpoint struct {
	Version int64 `json:"version"`
	Size    int64 `json:"size"`
}

func (r *Reader) readLastCheckpoint(ctx context.Context) (*lastCheckpoint, error) {
	data, err := r.store.Get(ctx, LastCheckpointKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, nil
		}
		return nil, ioFailure("get", LastCheckpointKey, err)
	}
	var lc lastCheckpoint
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, domain.ErrCorruptLog(-1, err, "invalid %s", LastCheckpointKey)
	}
	return &lc, nil
}

// ioFailure wraps a storage error. Context errors pass through unchanged so
// callers can tell cancellation from storage failure.
func ioFailure(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	return domain.ErrIOFailure(op, key, err)
}
