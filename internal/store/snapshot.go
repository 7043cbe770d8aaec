package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/me/myqueue/internal/fsutil"
	"github.com/me/myqueue/pkg/model"
)

// SnapshotVersion is the version written to JSON snapshots.
const SnapshotVersion = 2

// Snapshot is the JSON form of a task store.
type Snapshot struct {
	Version int           `json:"version"`
	Tasks   []*model.Task `json:"tasks"`
}

// EncodeSnapshot renders tasks as an indented JSON snapshot. Decoding and
// re-encoding a snapshot gives the same bytes.
func EncodeSnapshot(tasks []*model.Task) ([]byte, error) {
	if tasks == nil {
		tasks = []*model.Task{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", " ")
	if err := enc.Encode(Snapshot{Version: SnapshotVersion, Tasks: tasks}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a JSON snapshot.
func DecodeSnapshot(data []byte) ([]*model.Task, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", snap.Version)
	}
	for _, t := range snap.Tasks {
		if t.ID <= 0 {
			return nil, fmt.Errorf("decode snapshot: task %s has no id", t.DName())
		}
	}
	return snap.Tasks, nil
}

// ExportJSON writes tasks to path as a snapshot.
func ExportJSON(path string, tasks []*model.Task) error {
	data, err := EncodeSnapshot(tasks)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

// ImportJSON reads a snapshot file.
func ImportJSON(path string) ([]*model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeSnapshot(data)
}
