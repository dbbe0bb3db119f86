// Package checkpoint persists partial progress for a single long-running
// work item so a crashed run can resume mid-item instead of recomputing
// everything. One JSON file exists per in-flight item, colocated with the
// item's output directory, and is removed when the item completes.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"loom/internal/fileutil"
)

// Record is the durable snapshot written every checkpoint interval.
type Record struct {
	ProcessedCount int             `json:"processed_count"`
	Partial        json.RawMessage `json:"partial_results,omitempty"`
}

// File binds checkpoint operations to one path.
type File struct {
	path string
}

// NewFile returns a File for the given path. The file itself is created
// lazily on the first Save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the checkpoint file location.
func (f *File) Path() string {
	return f.path
}

// Load reads the current checkpoint. A missing file returns (nil, nil):
// the item starts from zero.
func (f *File) Load() (*Record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", f.path, err)
	}
	if rec.ProcessedCount < 0 {
		return nil, fmt.Errorf("checkpoint %s: negative processed_count %d", f.path, rec.ProcessedCount)
	}
	return &rec, nil
}

// Save overwrites the checkpoint atomically so a crash mid-write never
// leaves a corrupt record behind.
func (f *File) Save(rec *Record) error {
	if rec == nil {
		return errors.New("checkpoint record is nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fileutil.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint. Clearing an absent file is not an error.
func (f *File) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
