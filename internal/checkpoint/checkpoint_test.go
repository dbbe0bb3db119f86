package checkpoint_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"loom/internal/checkpoint"
)

func TestLoadMissingReturnsNil(t *testing.T) {
	f := checkpoint.NewFile(filepath.Join(t.TempDir(), "item.ckpt.json"))
	rec, err := f.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing file, got %+v", rec)
	}
}

func TestSaveLoadClear(t *testing.T) {
	f := checkpoint.NewFile(filepath.Join(t.TempDir(), "item.ckpt.json"))

	partial, err := json.Marshal([]float64{0.1, 0.2, 0.3})
	if err != nil {
		t.Fatalf("marshal partial: %v", err)
	}
	if err := f.Save(&checkpoint.Record{ProcessedCount: 40, Partial: partial}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, err := f.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec == nil || rec.ProcessedCount != 40 {
		t.Fatalf("unexpected record %+v", rec)
	}
	var restored []float64
	if err := json.Unmarshal(rec.Partial, &restored); err != nil {
		t.Fatalf("unmarshal partial: %v", err)
	}
	if len(restored) != 3 || restored[2] != 0.3 {
		t.Fatalf("unexpected partial %v", restored)
	}

	// A later save supersedes the earlier one.
	if err := f.Save(&checkpoint.Record{ProcessedCount: 60}); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	rec, err = f.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if rec.ProcessedCount != 60 {
		t.Fatalf("expected processed_count 60, got %d", rec.ProcessedCount)
	}

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(f.Path()); !os.IsNotExist(err) {
		t.Fatal("expected checkpoint file removed")
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("second Clear should be a no-op, got %v", err)
	}
}

func TestLoadRejectsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.ckpt.json")
	if err := os.WriteFile(path, []byte(`{"processed_count": -3}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := checkpoint.NewFile(path).Load(); err == nil {
		t.Fatal("expected error for negative processed_count")
	}

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := checkpoint.NewFile(path).Load(); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
