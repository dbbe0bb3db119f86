package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/checkpoint"
	"loom/internal/config"
	"loom/internal/fileutil"
	"loom/internal/gpubatch"
	"loom/internal/processor"
	"loom/internal/services"
	"loom/internal/staging"
	"loom/internal/ui"
)

// EmbedStage computes text and video embeddings per episode. The two
// outputs are independent: an episode with text embeddings already on disk
// gets only its video embeddings computed, and vice versa. Frame
// embedding is the expensive sub-stage, so it stages frames to fast
// storage, runs through the batch engine, and checkpoints its partial
// results for mid-item resume.
type EmbedStage struct {
	cfg      *config.Config
	embedder Embedder
	batch    *gpubatch.Engine
	staging  *staging.Manager
	logger   *slog.Logger

	framesDir      string
	transcriptsDir string
	outDir         string
	loaded         bool
}

func NewEmbedStage(cfg *config.Config, embedder Embedder, batch *gpubatch.Engine, stager *staging.Manager, logger *slog.Logger) *EmbedStage {
	return &EmbedStage{
		cfg:            cfg,
		embedder:       embedder,
		batch:          batch,
		staging:        stager,
		logger:         logger,
		framesDir:      filepath.Join(cfg.Paths.ArtifactsDir, "frames"),
		transcriptsDir: filepath.Join(cfg.Paths.ArtifactsDir, "transcripts"),
		outDir:         filepath.Join(cfg.Paths.ArtifactsDir, "embeddings"),
	}
}

// embeddingArtifact is the persisted form of one embedding set.
type embeddingArtifact struct {
	UnitID  string      `json:"unit_id"`
	Kind    string      `json:"kind"`
	Vectors [][]float32 `json:"vectors"`
}

// frameInput carries one frame through decode and inference.
type frameInput struct {
	Path string
	Data []byte
}

func (s *EmbedStage) Name() string { return string(Embed) }

func (s *EmbedStage) ValidateArgs() error {
	if s.embedder == nil {
		return fmt.Errorf("no embedder configured")
	}
	if s.batch == nil {
		return fmt.Errorf("no batch engine configured")
	}
	return nil
}

// DiscoverItems enumerates per-episode frame directories. An episode
// without extracted frames is not a candidate yet; it shows up once the
// keyframe extraction has produced its directory.
func (s *EmbedStage) DiscoverItems(ctx context.Context) ([]processor.Item, error) {
	return discoverUnitDirs(s.framesDir, s.logger)
}

func (s *EmbedStage) ExpectedOutputs(item processor.Item) []processor.OutputSpec {
	unitDir := filepath.Join(s.outDir, item.ID)
	return []processor.OutputSpec{
		{Path: filepath.Join(unitDir, "text.json"), Required: true},
		{Path: filepath.Join(unitDir, "video.json"), Required: true},
	}
}

func (s *EmbedStage) LoadResources(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return false, err
	}
	if err := services.Retry(ctx, retryConfig(s.cfg), s.embedder.Load); err != nil {
		return false, services.Wrap(services.ErrConfiguration, s.Name(), "load model", "", err)
	}
	s.loaded = true
	return true, nil
}

func (s *EmbedStage) ProcessItem(ctx context.Context, item processor.Item, missing []processor.OutputSpec) error {
	unitDir := filepath.Join(s.outDir, item.ID)
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}

	for _, spec := range missing {
		var err error
		switch filepath.Base(spec.Path) {
		case "text.json":
			err = s.embedText(ctx, item, spec.Path)
		case "video.json":
			err = s.embedFrames(ctx, item, spec.Path)
		default:
			err = fmt.Errorf("unexpected output %s", spec.Path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// embedText reads the episode's transcript and embeds its segment texts.
// Transcripts are small already-materialized JSON, so this path reads
// straight from the permanent location without staging.
func (s *EmbedStage) embedText(ctx context.Context, item processor.Item, outPath string) error {
	transcriptPath := filepath.Join(s.transcriptsDir, item.ID+".json")
	data, err := os.ReadFile(transcriptPath)
	if err != nil {
		return services.Wrap(services.ErrNotFound, s.Name(), "read transcript", item.Episode.Label(), err)
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return fmt.Errorf("decode transcript %s: %w", transcriptPath, err)
	}

	texts := make([]string, 0, len(transcript.Segments))
	for _, seg := range transcript.Segments {
		texts = append(texts, seg.Text)
	}
	vectors, err := s.embedder.EmbedText(ctx, texts)
	if err != nil {
		return services.Wrap(nil, s.Name(), "embed text", item.Episode.Label(), err)
	}
	return writeEmbedding(outPath, item.ID, "text", vectors)
}

// embedFrames runs the expensive frame-embedding path: stage frames to
// fast storage, push them through the batch engine with checkpointing,
// and persist the ordered vectors.
func (s *EmbedStage) embedFrames(ctx context.Context, item processor.Item, outPath string) error {
	workDir := item.InputPath
	if s.staging != nil {
		staged, err := s.staging.StageIn(ctx, item.InputPath, item.ID)
		if err != nil {
			return services.Wrap(nil, s.Name(), "stage frames", item.Episode.Label(), err)
		}
		defer s.staging.Release(staged)
		workDir = staged
	}

	framePaths, err := filepath.Glob(filepath.Join(workDir, "frame_*.jpg"))
	if err != nil {
		return err
	}
	if len(framePaths) == 0 {
		return services.Wrap(services.ErrNotFound, s.Name(), "list frames", item.Episode.Label(), nil)
	}

	inputs := make([]frameInput, len(framePaths))
	for i, path := range framePaths {
		inputs[i] = frameInput{Path: path}
	}

	chunkSize := s.cfg.Batch.ChunkSize
	totalChunks := (len(inputs) + chunkSize - 1) / chunkSize
	bar := ui.MaybeNewBar(int64(totalChunks), "embed "+item.Episode.Label())
	defer bar.Finish()

	vectors, err := gpubatch.Process(ctx, s.batch, gpubatch.Job[frameInput, []float32]{
		Items:      inputs,
		Decode:     decodeFrames,
		Infer:      s.inferFrames,
		Accel:      accel{s.embedder.FreeCache},
		Checkpoint: checkpoint.NewFile(filepath.Join(filepath.Dir(outPath), "checkpoint.json")),
		Progress:   ui.ChunkProgress(bar),
	})
	if err != nil {
		return services.Wrap(nil, s.Name(), "embed frames", item.Episode.Label(), err)
	}
	return writeEmbedding(outPath, item.ID, "video", vectors)
}

func (s *EmbedStage) inferFrames(ctx context.Context, batch []frameInput) ([][]float32, error) {
	frames := make([][]byte, len(batch))
	for i, in := range batch {
		frames[i] = in.Data
	}
	return s.embedder.EmbedFrames(ctx, frames)
}

func (s *EmbedStage) Cleanup() {
	if s.loaded {
		s.embedder.Close()
		s.loaded = false
	}
}

// accel adapts a FreeCache func to the batch engine's accelerator hook.
type accel struct {
	freeCache func()
}

func (a accel) FreeCache() {
	if a.freeCache != nil {
		a.freeCache()
	}
}

func decodeFrames(ctx context.Context, chunk []frameInput) ([]frameInput, error) {
	out := make([]frameInput, len(chunk))
	for i, in := range chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return nil, fmt.Errorf("decode frame %s: %w", in.Path, err)
		}
		out[i] = frameInput{Path: in.Path, Data: data}
	}
	return out, nil
}

func writeEmbedding(path, unitID, kind string, vectors [][]float32) error {
	data, err := json.Marshal(embeddingArtifact{UnitID: unitID, Kind: kind, Vectors: vectors})
	if err != nil {
		return fmt.Errorf("encode %s embeddings: %w", kind, err)
	}
	return fileutil.WriteFileAtomic(path, data, 0o644)
}
