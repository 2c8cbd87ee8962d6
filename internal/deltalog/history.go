package deltalog

import (
	"context"
	"slices"
	"time"

	"delta-append/internal/datafile"
	"delta-append/internal/domain"
)

// CommitSummary describes one commit for display.
type CommitSummary struct {
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	ReadVersion  *int64    `json:"read_version,omitempty"`
	EngineInfo   string    `json:"engine_info,omitempty"`
	AddedFiles   int       `json:"added_files"`
	RemovedFiles int       `json:"removed_files"`
	AddedRows    int64     `json:"added_rows"`
}

// History returns summaries of the most recent commits, newest first.
// A limit of zero or less returns every commit still present in the log.
func (r *Reader) History(ctx context.Context, limit int) ([]CommitSummary, error) {
	l, err := r.list(ctx)
	if err != nil {
		return nil, err
	}
	if l.latest() < 0 {
		return nil, domain.ErrMissingLog(r.store.Location())
	}

	versions := slices.Clone(l.commits)
	slices.Reverse(versions)
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}

	out := make([]CommitSummary, 0, len(versions))
	for _, v := range versions {
		rec, err := r.readCommit(ctx, v)
		if err != nil {
			return nil, err
		}
		sum, err := summarize(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func summarize(rec *domain.CommitRecord) (CommitSummary, error) {
	sum := CommitSummary{Version: rec.Version}
	if info := rec.Info(); info != nil {
		sum.Timestamp = time.UnixMilli(info.Timestamp).UTC()
		sum.Operation = info.Operation
		sum.ReadVersion = info.ReadVersion
		sum.EngineInfo = info.EngineInfo
	}
	for _, a := range rec.Actions {
		switch {
		case a.Add != nil:
			sum.AddedFiles++
			st, err := datafile.DecodeStats(a.Add.Stats)
			if err != nil {
				return CommitSummary{}, domain.ErrCorruptLog(rec.Version, err, "add %s", a.Add.Path)
			}
			if st != nil {
				sum.AddedRows += st.NumRecords
			}
		case a.Remove != nil:
			sum.RemovedFiles++
		}
	}
	return sum, nil
}
