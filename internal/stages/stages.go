package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/config"
	"loom/internal/gpubatch"
	"loom/internal/pipeline"
	"loom/internal/processor"
	"loom/internal/runstate"
	"loom/internal/services"
	"loom/internal/staging"
)

// ID identifies a concrete stage.
type ID string

const (
	Transcode  ID = "transcode"
	Transcribe ID = "transcribe"
	Embed      ID = "embed"
	Detect     ID = "detect"
)

// All returns the stage IDs in pipeline order.
func All() []ID {
	return []ID{Transcode, Transcribe, Embed, Detect}
}

// ExitCode returns the stage's reserved process exit code. Each stage owns
// a distinct code so operators can tell which stage failed from the exit
// status alone.
func (id ID) ExitCode() int {
	switch id {
	case Transcode:
		return 10
	case Transcribe:
		return 11
	case Embed:
		return 12
	case Detect:
		return 13
	}
	return 1
}

// Deps carries everything a stage constructor may need. A stage uses only
// the fields relevant to it.
type Deps struct {
	Config      *config.Config
	Logger      *slog.Logger
	State       *runstate.Store
	Staging     *staging.Manager
	Batch       *gpubatch.Engine
	Encoder     Encoder
	Transcriber Transcriber
	Embedder    Embedder
	Detector    Detector
}

// Build constructs the stage for id. Unknown IDs are a programming error
// surfaced at assembly time, not at run time.
func Build(id ID, deps Deps) (processor.Stage, error) {
	switch id {
	case Transcode:
		return NewTranscodeStage(deps.Config, deps.Encoder, deps.Logger), nil
	case Transcribe:
		return NewTranscribeStage(deps.Config, deps.Transcriber, deps.Logger), nil
	case Embed:
		return NewEmbedStage(deps.Config, deps.Embedder, deps.Batch, deps.Staging, deps.Logger), nil
	case Detect:
		return NewDetectStage(deps.Config, deps.Detector, deps.Batch, deps.Staging, deps.State, deps.Logger), nil
	}
	return nil, fmt.Errorf("unknown stage %q", id)
}

// Step wraps a stage as a pipeline step. The execute function translates
// the incremental engine's outcome into the stage's exit code: cancellation
// maps to the reserved interruption code, any engine error or per-item
// failure maps to the stage code, and a clean pass maps to zero.
func Step(id ID, label string, skip bool, deps Deps) pipeline.Step {
	return pipeline.Step{
		Name:    string(id),
		Label:   label,
		Skip:    skip,
		Release: releaseFor(id, deps),
		Execute: func(ctx context.Context) int {
			stage, err := Build(id, deps)
			if err != nil {
				deps.Logger.Error("assemble stage", "stage", string(id), "error", err)
				return id.ExitCode()
			}
			result, err := processor.Run(ctx, stage, deps.Logger)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return pipeline.ExitInterrupted
				}
				return id.ExitCode()
			}
			if !result.Ok() {
				return id.ExitCode()
			}
			return 0
		},
	}
}

// retryConfig maps the configured retry bounds onto the shared combinator.
// Model loads go through it so a sidecar still warming up does not fail
// the whole step.
func retryConfig(cfg *config.Config) services.RetryConfig {
	return services.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
	}
}

// releaseFor picks the accelerator-cache release hook for GPU stages so
// one stage's model memory is returned before the next stage loads.
func releaseFor(id ID, deps Deps) func() {
	switch id {
	case Embed:
		if deps.Embedder != nil {
			return deps.Embedder.FreeCache
		}
	case Detect:
		if deps.Detector != nil {
			return deps.Detector.FreeCache
		}
	}
	return nil
}
