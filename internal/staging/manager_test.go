package staging_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/logging"
	"loom/internal/staging"
	"loom/internal/testsupport"
)

func TestStageInAndRelease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Staging.MinFreeGiB = 0
	mgr := staging.NewManager(cfg, logging.NewNop())

	source := filepath.Join(testsupport.BaseDir(cfg), "frames")
	testsupport.WriteFrames(t, source, 5)

	staged, err := mgr.StageIn(context.Background(), source, "s01e01")
	if err != nil {
		t.Fatalf("StageIn failed: %v", err)
	}
	if filepath.Dir(staged) != cfg.Paths.StagingDir {
		t.Fatalf("staged dir %s not under staging root", staged)
	}
	entries, err := os.ReadDir(staged)
	if err != nil {
		t.Fatalf("read staged dir: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 staged frames, got %d", len(entries))
	}

	mgr.Release(staged)
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatal("expected staged copy removed")
	}
	// Releasing twice is harmless.
	mgr.Release(staged)
}

func TestStageInReplacesLeftoverCopy(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Staging.MinFreeGiB = 0
	mgr := staging.NewManager(cfg, logging.NewNop())

	leftover := filepath.Join(cfg.Paths.StagingDir, "s01e01", "stale.jpg")
	testsupport.WriteFile(t, leftover, "stale")

	source := filepath.Join(testsupport.BaseDir(cfg), "frames")
	testsupport.WriteFrames(t, source, 2)

	staged, err := mgr.StageIn(context.Background(), source, "s01e01")
	if err != nil {
		t.Fatalf("StageIn failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(staged, "stale.jpg")); !os.IsNotExist(err) {
		t.Fatal("expected leftover file replaced")
	}
}

func TestReleaseRefusesPathsOutsideRoot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	mgr := staging.NewManager(cfg, logging.NewNop())

	outside := filepath.Join(testsupport.BaseDir(cfg), "keep")
	testsupport.WriteFile(t, filepath.Join(outside, "file"), "data")

	mgr.Release(outside)
	if _, err := os.Stat(outside); err != nil {
		t.Fatal("expected directory outside staging root untouched")
	}
}

func TestCleanStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	oldDir := filepath.Join(cfg.Paths.StagingDir, "s01e01")
	freshDir := filepath.Join(cfg.Paths.StagingDir, "s01e02")
	testsupport.WriteFile(t, filepath.Join(oldDir, "frame.jpg"), "old")
	testsupport.WriteFile(t, filepath.Join(freshDir, "frame.jpg"), "fresh")

	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	result := staging.CleanStale(cfg.Paths.StagingDir, 48*time.Hour, logging.NewNop())
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", result.Errors)
	}
	if len(result.Removed) != 1 || result.Removed[0] != oldDir {
		t.Fatalf("unexpected removals %v", result.Removed)
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatal("expected fresh directory kept")
	}
}
