package deltalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"delta-append/internal/domain"
)

const maxLineBytes = 64 << 20

// EncodeCommit renders actions as a commit record: one JSON object per line.
func EncodeCommit(actions []domain.Action) ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range actions {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode action %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeCommit parses the commit record stored at version. Blank lines and
// action kinds this client does not model are skipped.
func DecodeCommit(version int64, data []byte) (*domain.CommitRecord, error) {
	rec := &domain.CommitRecord{Version: version}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var a domain.Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, domain.ErrCorruptLog(version, err, "line %d is not a valid action", line)
		}
		if err := checkAction(a); err != nil {
			return nil, domain.ErrCorruptLog(version, nil, "line %d: %v", line, err)
		}
		if a == (domain.Action{}) {
			continue
		}
		rec.Actions = append(rec.Actions, a)
	}
	if err := sc.Err(); err != nil {
		return nil, domain.ErrCorruptLog(version, err, "read commit record")
	}
	return rec, nil
}

func checkAction(a domain.Action) error {
	switch {
	case a.Add != nil && a.Add.Path == "":
		return fmt.Errorf("add action without path")
	case a.Remove != nil && a.Remove.Path == "":
		return fmt.Errorf("remove action without path")
	case a.MetaData != nil && a.MetaData.SchemaString == "":
		return fmt.Errorf("metaData action without schemaString")
	}
	return nil
}

// WriteCommit publishes actions as the commit record for version. It fails
// with an error matching storage.ErrAlreadyExists if the version is taken.
func WriteCommit(ctx context.Context, store domain.ObjectStore, version int64, actions []domain.Action) error {
	data, err := EncodeCommit(actions)
	if err != nil {
		return err
	}
	return store.PutIfAbsent(ctx, CommitKey(version), data)
}
