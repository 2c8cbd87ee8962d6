// Package deltalog reads and writes a table's transaction log: ordered,
// newline-delimited JSON commit records under _delta_log/, plus optional
// Parquet checkpoints that summarize the log up to a version.
package deltalog

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Log object names, relative to the table root.
const (
	LogDir            = "_delta_log"
	LastCheckpointKey = LogDir + "/_last_checkpoint"

	commitSuffix     = ".json"
	checkpointSuffix = ".checkpoint.parquet"
	versionDigits    = 20
)

// CommitKey returns the object key of the commit record for version.
func CommitKey(version int64) string {
	return fmt.Sprintf("%s/%020d%s", LogDir, version, commitSuffix)
}

// CheckpointKey returns the object key of the single-part checkpoint for version.
func CheckpointKey(version int64) string {
	return fmt.Sprintf("%s/%020d%s", LogDir, version, checkpointSuffix)
}

type logFileKind int

const (
	kindOther logFileKind = iota
	kindCommit
	kindCheckpoint
)

// parseLogKey classifies a key found under _delta_log/. Anything other than a
// commit record or a single-part checkpoint (CRC files, multi-part
// checkpoints, temp files) is kindOther.
func parseLogKey(key string) (int64, logFileKind) {
	if path.Dir(key) != LogDir {
		return 0, kindOther
	}
	base := path.Base(key)
	var digits string
	kind := kindOther
	switch {
	case strings.HasSuffix(base, checkpointSuffix):
		digits, kind = strings.TrimSuffix(base, checkpointSuffix), kindCheckpoint
	case strings.HasSuffix(base, commitSuffix):
		digits, kind = strings.TrimSuffix(base, commitSuffix), kindCommit
	default:
		return 0, kindOther
	}
	if len(digits) != versionDigits {
		return 0, kindOther
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || v < 0 {
		return 0, kindOther
	}
	return v, kind
}
