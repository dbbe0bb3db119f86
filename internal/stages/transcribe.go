package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/config"
	"loom/internal/fileutil"
	"loom/internal/processor"
	"loom/internal/services"
)

// TranscribeStage produces one transcript JSON per transcoded episode. It
// reads from the transcode output directory so transcripts always reflect
// the archival copy, not the raw source.
type TranscribeStage struct {
	cfg         *config.Config
	transcriber Transcriber
	logger      *slog.Logger
	inDir       string
	outDir      string
	loaded      bool
}

func NewTranscribeStage(cfg *config.Config, transcriber Transcriber, logger *slog.Logger) *TranscribeStage {
	return &TranscribeStage{
		cfg:         cfg,
		transcriber: transcriber,
		logger:      logger,
		inDir:       filepath.Join(cfg.Paths.ArtifactsDir, "transcode"),
		outDir:      filepath.Join(cfg.Paths.ArtifactsDir, "transcripts"),
	}
}

func (s *TranscribeStage) Name() string { return string(Transcribe) }

func (s *TranscribeStage) ValidateArgs() error {
	if s.transcriber == nil {
		return fmt.Errorf("no transcriber configured")
	}
	return nil
}

func (s *TranscribeStage) DiscoverItems(ctx context.Context) ([]processor.Item, error) {
	return processor.DiscoverByGlob(s.inDir, "*.mkv", s.logger)
}

func (s *TranscribeStage) ExpectedOutputs(item processor.Item) []processor.OutputSpec {
	return []processor.OutputSpec{
		{Path: filepath.Join(s.outDir, item.ID+".json"), Required: true},
	}
}

func (s *TranscribeStage) LoadResources(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return false, err
	}
	if err := s.transcriber.Load(ctx); err != nil {
		return false, services.Wrap(services.ErrConfiguration, s.Name(), "load model", "", err)
	}
	s.loaded = true
	return true, nil
}

func (s *TranscribeStage) ProcessItem(ctx context.Context, item processor.Item, missing []processor.OutputSpec) error {
	transcript, err := s.transcriber.Transcribe(ctx, item.InputPath)
	if err != nil {
		return services.Wrap(nil, s.Name(), "transcribe", item.Episode.Label(), err)
	}
	transcript.UnitID = item.ID

	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	return fileutil.WriteFileAtomic(missing[0].Path, data, 0o644)
}

func (s *TranscribeStage) Cleanup() {
	if s.loaded {
		s.transcriber.Close()
		s.loaded = false
	}
}
