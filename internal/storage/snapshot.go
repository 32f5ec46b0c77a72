package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNoSnapshot is returned by ReadSnapshot when the file does not exist
var ErrNoSnapshot = errors.New("snapshot not found")

type snapshotFile struct {
	Next    int64           `json:"next"`
	Records json.RawMessage `json:"records"`
}

// WriteSnapshot replaces the snapshot at path with next and records. The
// data is written to a temporary file in the same directory and renamed
// over the old snapshot, so a crash never leaves a partial file behind.
func WriteSnapshot(path string, next int64, records any) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	out, err := json.Marshal(snapshotFile{Next: next, Records: data})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads the snapshot at path into records and returns the
// stored next id.
func ReadSnapshot(path string, records any) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNoSnapshot
		}
		return 0, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to unmarshal snapshot %s: %w", path, err)
	}
	if len(file.Records) > 0 {
		if err := json.Unmarshal(file.Records, records); err != nil {
			return 0, fmt.Errorf("failed to unmarshal records in %s: %w", path, err)
		}
	}
	return file.Next, nil
}
