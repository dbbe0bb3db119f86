package gpubatch

import "context"

// decodedChunk carries one decoded chunk from the prefetch goroutine to the
// inference loop. A non-nil err terminates the stream.
type decodedChunk[T any] struct {
	index  int
	inputs []T
	err    error
}

// produceChunks decodes chunks on a dedicated goroutine and delivers them in
// order over a bounded channel. The channel capacity is the prefetch depth,
// so the producer blocks once it is that many chunks ahead of inference.
// The closed channel is the completion sentinel.
func produceChunks[T, R any](ctx context.Context, eng *Engine, job Job[T, R], startChunk, totalChunks int) <-chan decodedChunk[T] {
	ch := make(chan decodedChunk[T], eng.prefetchDepth)
	go func() {
		defer close(ch)
		for idx := startChunk; idx < totalChunks; idx++ {
			inputs, err := decodeChunk(ctx, eng, job, idx)
			select {
			case ch <- decodedChunk[T]{index: idx, inputs: inputs, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}
