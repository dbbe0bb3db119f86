package gpubatch_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/gpubatch"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/testsupport"
)

func newEngine(t *testing.T, mutate func(*config.Config)) *gpubatch.Engine {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	return gpubatch.New(cfg, logging.NewNop())
}

func sequence(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

type fakeAccel struct {
	freed int
}

func (a *fakeAccel) FreeCache() { a.freed++ }

func TestProcessPreservesInputOrder(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 3
		c.Batch.ChunkSize = 7
		c.Batch.PrefetchDepth = 2
	})

	job := gpubatch.Job[int, string]{
		Items: sequence(50),
		Decode: func(_ context.Context, raw []int) ([]int, error) {
			decoded := make([]int, len(raw))
			for i, v := range raw {
				decoded[i] = v * 10
			}
			return decoded, nil
		},
		Infer: func(_ context.Context, batch []int) ([]string, error) {
			out := make([]string, len(batch))
			for i, v := range batch {
				out[i] = fmt.Sprintf("r%d", v)
			}
			return out, nil
		},
	}

	results, err := gpubatch.Process(context.Background(), eng, job)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 50 {
		t.Fatalf("expected 50 results, got %d", len(results))
	}
	for i, r := range results {
		if want := fmt.Sprintf("r%d", i*10); r != want {
			t.Fatalf("result %d: expected %q, got %q", i, want, r)
		}
	}
}

func TestOOMBackoffConverges(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 32
		c.Batch.ChunkSize = 64
	})

	accel := &fakeAccel{}
	var batchSizes []int
	job := gpubatch.Job[int, int]{
		Items: sequence(64),
		Accel: accel,
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			batchSizes = append(batchSizes, len(batch))
			if len(batch) >= 8 {
				return nil, services.Wrap(services.ErrOutOfMemory, "test", "infer", "", nil)
			}
			return batch, nil
		},
	}

	results, err := gpubatch.Process(context.Background(), eng, job)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 64 {
		t.Fatalf("expected 64 results, got %d", len(results))
	}

	// 32 and 16 and 8 fail, then every submitted batch is at most 4.
	oomCount := 0
	for _, size := range batchSizes {
		if size >= 8 {
			oomCount++
		}
	}
	if oomCount != 3 {
		t.Fatalf("expected exactly 3 OOM probes (32, 16, 8), saw %d in %v", oomCount, batchSizes)
	}
	if accel.freed != 3 {
		t.Fatalf("expected FreeCache per OOM, got %d", accel.freed)
	}
	// The reduced size is kept for the rest of the call.
	for _, size := range batchSizes[3:] {
		if size > 4 {
			t.Fatalf("batch size grew back to %d after backoff", size)
		}
	}
}

func TestOOMBackoffExhaustionIsFatal(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 8
		c.Batch.ChunkSize = 8
	})

	job := gpubatch.Job[int, int]{
		Items: sequence(8),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			return nil, services.ErrOutOfMemory
		},
	}

	_, err := gpubatch.Process(context.Background(), eng, job)
	if err == nil {
		t.Fatal("expected fatal error once backoff is exhausted")
	}
}

func TestNonOOMErrorAbortsImmediately(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 4
		c.Batch.ChunkSize = 8
	})

	boom := errors.New("model crashed")
	calls := 0
	job := gpubatch.Job[int, int]{
		Items: sequence(32),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			calls++
			if calls == 3 {
				return nil, boom
			}
			return batch, nil
		},
	}

	_, err := gpubatch.Process(context.Background(), eng, job)
	if !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected no retry after non-OOM error, got %d calls", calls)
	}
}

func TestCheckpointResumeSkipsCompletedChunks(t *testing.T) {
	// 100 units in chunks of 5, checkpoint every 4 chunks (20 units). A
	// failure after unit 45 leaves a checkpoint at 40; the rerun must do
	// exactly the remaining 60 units.
	mutate := func(c *config.Config) {
		c.Batch.BatchSize = 5
		c.Batch.ChunkSize = 5
		c.Batch.CheckpointEvery = 4
	}

	ckptPath := filepath.Join(t.TempDir(), "embed.ckpt.json")
	items := sequence(100)

	unitsSeen := 0
	failing := gpubatch.Job[int, int]{
		Items:      items,
		Checkpoint: checkpoint.NewFile(ckptPath),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			if unitsSeen+len(batch) > 45 {
				return nil, errors.New("killed")
			}
			unitsSeen += len(batch)
			return batch, nil
		},
	}
	if _, err := gpubatch.Process(context.Background(), newEngine(t, mutate), failing); err == nil {
		t.Fatal("expected first run to fail")
	}

	rec, err := checkpoint.NewFile(ckptPath).Load()
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if rec == nil || rec.ProcessedCount != 8 {
		t.Fatalf("expected checkpoint at 8 chunks (40 units), got %+v", rec)
	}

	resumedUnits := 0
	resumed := gpubatch.Job[int, int]{
		Items:      items,
		Checkpoint: checkpoint.NewFile(ckptPath),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			resumedUnits += len(batch)
			return batch, nil
		},
	}
	results, err := gpubatch.Process(context.Background(), newEngine(t, mutate), resumed)
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if resumedUnits != 60 {
		t.Fatalf("expected exactly 60 resumed units, got %d", resumedUnits)
	}
	if len(results) != 100 {
		t.Fatalf("expected 100 combined results, got %d", len(results))
	}
	for i, r := range results {
		if r != i {
			t.Fatalf("result %d out of order: %d", i, r)
		}
	}

	rec, err = checkpoint.NewFile(ckptPath).Load()
	if err != nil {
		t.Fatalf("reload checkpoint: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected checkpoint cleared after success, got %+v", rec)
	}
}

func TestPrefetchStopsAfterInferenceFailure(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 2
		c.Batch.ChunkSize = 2
		c.Batch.PrefetchDepth = 1
	})

	boom := errors.New("model crashed")
	job := gpubatch.Job[int, int]{
		Items: sequence(100),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			return nil, boom
		},
	}

	before := runtime.NumGoroutine()
	if _, err := gpubatch.Process(context.Background(), eng, job); !errors.Is(err, boom) {
		t.Fatalf("expected model error, got %v", err)
	}

	// The producer must unwind once Process returns, even though the
	// surrounding context stays live for the rest of the run.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Fatalf("goroutine count grew from %d to %d after a failed item", before, after)
	}
}

func TestCancellationStopsProcessing(t *testing.T) {
	eng := newEngine(t, func(c *config.Config) {
		c.Batch.BatchSize = 2
		c.Batch.ChunkSize = 2
		c.Batch.PrefetchDepth = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	job := gpubatch.Job[int, int]{
		Items: sequence(100),
		Infer: func(_ context.Context, batch []int) ([]int, error) {
			cancel()
			return batch, nil
		},
	}

	_, err := gpubatch.Process(ctx, eng, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEmptyInputClearsCheckpoint(t *testing.T) {
	eng := newEngine(t, nil)
	ckpt := checkpoint.NewFile(filepath.Join(t.TempDir(), "empty.ckpt.json"))
	if err := ckpt.Save(&checkpoint.Record{ProcessedCount: 2}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	results, err := gpubatch.Process(context.Background(), eng, gpubatch.Job[int, int]{
		Checkpoint: ckpt,
		Infer:      func(_ context.Context, batch []int) ([]int, error) { return batch, nil },
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %d", len(results))
	}
	rec, err := ckpt.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec != nil {
		t.Fatal("expected checkpoint cleared for empty input")
	}
}
