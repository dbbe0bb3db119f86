// Package gpubatch runs a model-invocation callback over a sequence of
// inputs in adaptively sized batches.
//
// Inputs are grouped into chunks (the coarse unit of I/O: decode a chunk of
// frames once) and each chunk is split into batches (the unit submitted to a
// single inference call). When the callback reports accelerator memory
// exhaustion the engine clears the accelerator cache, halves the batch size,
// and retries the same batch; the reduced size sticks for the rest of the
// item so the engine does not oscillate back into OOM. Progress is
// checkpointed every few chunks so an interrupted item resumes from its last
// checkpoint instead of chunk zero.
package gpubatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
)

// Accelerator exposes the one device operation the engine needs: releasing
// cached device memory between OOM retries.
type Accelerator interface {
	FreeCache()
}

// Job describes one item's batched inference work. Infer must return one
// result per input and tag memory exhaustion with services.ErrOutOfMemory.
// Decode, when set, converts a chunk of raw inputs (e.g. frame paths) into
// inference-ready form; it runs on the prefetch goroutine when prefetching
// is enabled.
type Job[T, R any] struct {
	Items      []T
	Decode     func(context.Context, []T) ([]T, error)
	Infer      func(context.Context, []T) ([]R, error)
	Accel      Accelerator
	Checkpoint *checkpoint.File
	Progress   func(processedChunks, totalChunks int)
}

// Engine carries the batching parameters shared by every job.
type Engine struct {
	batchSize       int
	chunkSize       int
	prefetchDepth   int
	checkpointEvery int
	logger          *slog.Logger
}

// New constructs an engine from configuration.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		batchSize:       cfg.Batch.BatchSize,
		chunkSize:       cfg.Batch.ChunkSize,
		prefetchDepth:   cfg.Batch.PrefetchDepth,
		checkpointEvery: cfg.Batch.CheckpointEvery,
		logger:          logging.NewComponentLogger(logger, "gpubatch"),
	}
}

// Process runs the job to completion and returns results in input order.
func Process[T, R any](ctx context.Context, eng *Engine, job Job[T, R]) ([]R, error) {
	if job.Infer == nil {
		return nil, fmt.Errorf("gpubatch: inference callback is required")
	}

	total := len(job.Items)
	totalChunks := (total + eng.chunkSize - 1) / eng.chunkSize
	if total == 0 {
		if job.Checkpoint != nil {
			_ = job.Checkpoint.Clear()
		}
		return nil, nil
	}

	results := make([]R, 0, total)
	startChunk := 0
	if job.Checkpoint != nil {
		rec, err := job.Checkpoint.Load()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			if len(rec.Partial) > 0 {
				if err := json.Unmarshal(rec.Partial, &results); err != nil {
					return nil, fmt.Errorf("gpubatch: restore partial results: %w", err)
				}
			}
			startChunk = rec.ProcessedCount
			if startChunk > totalChunks {
				return nil, fmt.Errorf("gpubatch: checkpoint claims %d chunks but job has %d", startChunk, totalChunks)
			}
			eng.logger.Info("resuming from checkpoint",
				logging.Int("processed_chunks", startChunk),
				logging.Int("total_chunks", totalChunks),
			)
		}
	}

	currentBatch := eng.batchSize
	processed := startChunk
	consume := func(idx int, inputs []T) error {
		out, newBatch, err := inferChunk(ctx, eng, job, inputs, currentBatch)
		currentBatch = newBatch
		if err != nil {
			return err
		}
		results = append(results, out...)
		processed++
		if job.Progress != nil {
			job.Progress(processed, totalChunks)
		}
		if job.Checkpoint != nil && eng.checkpointEvery > 0 && processed%eng.checkpointEvery == 0 {
			partial, err := json.Marshal(results)
			if err != nil {
				return fmt.Errorf("gpubatch: encode partial results: %w", err)
			}
			if err := job.Checkpoint.Save(&checkpoint.Record{ProcessedCount: processed, Partial: partial}); err != nil {
				return err
			}
			eng.logger.Debug("checkpoint saved",
				logging.Int("processed_chunks", processed),
				logging.Int("total_chunks", totalChunks),
			)
		}
		return nil
	}

	if eng.prefetchDepth > 0 {
		// The producer blocks on the channel send until delivery or
		// cancellation, so its context must not outlive this call.
		prefetchCtx, stopPrefetch := context.WithCancel(ctx)
		defer stopPrefetch()
		for chunk := range produceChunks(prefetchCtx, eng, job, startChunk, totalChunks) {
			if chunk.err != nil {
				return nil, chunk.err
			}
			if err := consume(chunk.index, chunk.inputs); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	} else {
		for idx := startChunk; idx < totalChunks; idx++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			inputs, err := decodeChunk(ctx, eng, job, idx)
			if err != nil {
				return nil, err
			}
			if err := consume(idx, inputs); err != nil {
				return nil, err
			}
		}
	}

	if job.Checkpoint != nil {
		if err := job.Checkpoint.Clear(); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// inferChunk submits one decoded chunk batch by batch, halving the batch
// size on OOM. The possibly reduced size is returned for subsequent chunks.
func inferChunk[T, R any](ctx context.Context, eng *Engine, job Job[T, R], inputs []T, batchSize int) ([]R, int, error) {
	out := make([]R, 0, len(inputs))
	for start := 0; start < len(inputs); {
		if err := ctx.Err(); err != nil {
			return nil, batchSize, err
		}
		end := start + batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		res, err := job.Infer(ctx, inputs[start:end])
		if err != nil {
			if !services.IsOutOfMemory(err) {
				return nil, batchSize, err
			}
			if job.Accel != nil {
				job.Accel.FreeCache()
			}
			batchSize /= 2
			if batchSize < 1 {
				return nil, 0, services.Wrap(services.ErrValidation, "gpubatch", "infer",
					"cannot make progress: batch size exhausted during OOM backoff", err)
			}
			eng.logger.Warn("inference hit accelerator OOM, halving batch size",
				logging.Int("batch_size", batchSize),
			)
			continue
		}
		if len(res) != end-start {
			return nil, batchSize, fmt.Errorf("gpubatch: inference returned %d results for %d inputs", len(res), end-start)
		}
		out = append(out, res...)
		start = end
	}
	return out, batchSize, nil
}

func decodeChunk[T, R any](ctx context.Context, eng *Engine, job Job[T, R], idx int) ([]T, error) {
	start := idx * eng.chunkSize
	end := start + eng.chunkSize
	if end > len(job.Items) {
		end = len(job.Items)
	}
	raw := job.Items[start:end]
	if job.Decode == nil {
		return raw, nil
	}
	decoded, err := job.Decode(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("gpubatch: decode chunk %d: %w", idx, err)
	}
	if len(decoded) != len(raw) {
		return nil, fmt.Errorf("gpubatch: decode returned %d inputs for chunk of %d", len(decoded), len(raw))
	}
	return decoded, nil
}
