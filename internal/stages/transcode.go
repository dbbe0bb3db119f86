package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/config"
	"loom/internal/processor"
	"loom/internal/services"
)

// TranscodeStage re-encodes source episodes into the archival format. The
// encoder writes to a temporary path inside the output directory and the
// result is renamed into place, so a crashed encode never leaves a
// partial file that would be mistaken for a finished one.
type TranscodeStage struct {
	cfg     *config.Config
	encoder Encoder
	logger  *slog.Logger
	outDir  string
}

func NewTranscodeStage(cfg *config.Config, encoder Encoder, logger *slog.Logger) *TranscodeStage {
	return &TranscodeStage{
		cfg:     cfg,
		encoder: encoder,
		logger:  logger,
		outDir:  filepath.Join(cfg.Paths.ArtifactsDir, "transcode"),
	}
}

func (s *TranscodeStage) Name() string { return string(Transcode) }

func (s *TranscodeStage) ValidateArgs() error {
	if s.encoder == nil {
		return fmt.Errorf("no encoder configured")
	}
	info, err := os.Stat(s.cfg.Paths.MediaDir)
	if err != nil {
		return fmt.Errorf("media directory %s: %w", s.cfg.Paths.MediaDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media directory %s is not a directory", s.cfg.Paths.MediaDir)
	}
	return nil
}

func (s *TranscodeStage) DiscoverItems(ctx context.Context) ([]processor.Item, error) {
	return processor.DiscoverByGlob(s.cfg.Paths.MediaDir, "*.mkv", s.logger)
}

func (s *TranscodeStage) ExpectedOutputs(item processor.Item) []processor.OutputSpec {
	return []processor.OutputSpec{
		{Path: filepath.Join(s.outDir, item.ID+".mkv"), Required: true},
	}
}

func (s *TranscodeStage) LoadResources(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func (s *TranscodeStage) ProcessItem(ctx context.Context, item processor.Item, missing []processor.OutputSpec) error {
	final := missing[0].Path
	partial := final + ".partial"
	defer os.Remove(partial)

	if err := s.encoder.Encode(ctx, item.InputPath, partial); err != nil {
		return services.Wrap(nil, s.Name(), "encode", item.Episode.Label(), err)
	}
	if err := os.Rename(partial, final); err != nil {
		return fmt.Errorf("finalize %s: %w", final, err)
	}
	return nil
}

func (s *TranscodeStage) Cleanup() {}
