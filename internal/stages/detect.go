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
	"loom/internal/logging"
	"loom/internal/processor"
	"loom/internal/runstate"
	"loom/internal/services"
	"loom/internal/staging"
	"loom/internal/ui"
)

// DetectStage runs scene-boundary and object detection per episode. Its
// output is multiple files written one after another, so file existence
// alone cannot prove the unit finished: a crash between scenes.json and
// objects.json would leave a convincing-looking partial result. The run
// state store is the arbiter here: a unit discovered with outputs on
// disk but no completion marker gets its output directory cleared and is
// reprocessed from scratch.
type DetectStage struct {
	cfg      *config.Config
	detector Detector
	batch    *gpubatch.Engine
	staging  *staging.Manager
	state    *runstate.Store
	logger   *slog.Logger

	framesDir string
	outDir    string
	loaded    bool
}

func NewDetectStage(cfg *config.Config, detector Detector, batch *gpubatch.Engine, stager *staging.Manager, state *runstate.Store, logger *slog.Logger) *DetectStage {
	return &DetectStage{
		cfg:       cfg,
		detector:  detector,
		batch:     batch,
		staging:   stager,
		state:     state,
		logger:    logger,
		framesDir: filepath.Join(cfg.Paths.ArtifactsDir, "frames"),
		outDir:    filepath.Join(cfg.Paths.ArtifactsDir, "detections"),
	}
}

// sceneArtifact and objectArtifact are the persisted detection outputs.
type sceneArtifact struct {
	UnitID string  `json:"unit_id"`
	Scenes []Scene `json:"scenes"`
}

type objectArtifact struct {
	UnitID string            `json:"unit_id"`
	Frames []frameDetections `json:"frames"`
}

type frameDetections struct {
	Frame      string      `json:"frame"`
	Detections []Detection `json:"detections"`
}

func (s *DetectStage) Name() string { return string(Detect) }

func (s *DetectStage) ValidateArgs() error {
	if s.detector == nil {
		return fmt.Errorf("no detector configured")
	}
	if s.batch == nil {
		return fmt.Errorf("no batch engine configured")
	}
	if s.state == nil {
		return fmt.Errorf("no run state store configured")
	}
	return nil
}

// DiscoverItems enumerates frame directories and invalidates any unit
// whose outputs exist without a completion marker.
func (s *DetectStage) DiscoverItems(ctx context.Context) ([]processor.Item, error) {
	items, err := discoverUnitDirs(s.framesDir, s.logger)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := s.invalidatePartial(ctx, item); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *DetectStage) invalidatePartial(ctx context.Context, item processor.Item) error {
	if len(processor.MissingOutputs(s.ExpectedOutputs(item))) > 0 {
		return nil
	}
	completed, err := s.state.Completed(ctx, s.Name(), item.ID)
	if err != nil {
		return err
	}
	if completed {
		return nil
	}
	s.logger.Warn("outputs present without completion marker, reprocessing",
		logging.String(logging.FieldItemID, item.ID),
	)
	return os.RemoveAll(filepath.Join(s.outDir, item.ID))
}

func (s *DetectStage) ExpectedOutputs(item processor.Item) []processor.OutputSpec {
	unitDir := filepath.Join(s.outDir, item.ID)
	return []processor.OutputSpec{
		{Path: filepath.Join(unitDir, "scenes.json"), Required: true},
		{Path: filepath.Join(unitDir, "objects.json"), Required: true},
	}
}

func (s *DetectStage) LoadResources(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.outDir, 0o755); err != nil {
		return false, err
	}
	if err := services.Retry(ctx, retryConfig(s.cfg), s.detector.Load); err != nil {
		return false, services.Wrap(services.ErrConfiguration, s.Name(), "load model", "", err)
	}
	s.loaded = true
	return true, nil
}

func (s *DetectStage) ProcessItem(ctx context.Context, item processor.Item, missing []processor.OutputSpec) error {
	unitDir := filepath.Join(s.outDir, item.ID)
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := s.state.Start(ctx, s.Name(), item.ID); err != nil {
		return err
	}

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

	for _, spec := range missing {
		var err error
		switch filepath.Base(spec.Path) {
		case "scenes.json":
			err = s.detectScenes(ctx, item, framePaths, spec.Path)
		case "objects.json":
			err = s.detectObjects(ctx, item, framePaths, spec.Path)
		default:
			err = fmt.Errorf("unexpected output %s", spec.Path)
		}
		if err != nil {
			return err
		}
	}

	return s.state.Complete(ctx, s.Name(), item.ID)
}

func (s *DetectStage) detectScenes(ctx context.Context, item processor.Item, framePaths []string, outPath string) error {
	scenes, err := s.detector.DetectScenes(ctx, framePaths)
	if err != nil {
		return services.Wrap(nil, s.Name(), "detect scenes", item.Episode.Label(), err)
	}
	data, err := json.Marshal(sceneArtifact{UnitID: item.ID, Scenes: scenes})
	if err != nil {
		return fmt.Errorf("encode scenes: %w", err)
	}
	return fileutil.WriteFileAtomic(outPath, data, 0o644)
}

func (s *DetectStage) detectObjects(ctx context.Context, item processor.Item, framePaths []string, outPath string) error {
	inputs := make([]frameInput, len(framePaths))
	for i, path := range framePaths {
		inputs[i] = frameInput{Path: path}
	}

	chunkSize := s.cfg.Batch.ChunkSize
	totalChunks := (len(inputs) + chunkSize - 1) / chunkSize
	bar := ui.MaybeNewBar(int64(totalChunks), "detect "+item.Episode.Label())
	defer bar.Finish()

	detections, err := gpubatch.Process(ctx, s.batch, gpubatch.Job[frameInput, []Detection]{
		Items:      inputs,
		Decode:     decodeFrames,
		Infer:      s.inferObjects,
		Accel:      accel{s.detector.FreeCache},
		Checkpoint: checkpoint.NewFile(filepath.Join(filepath.Dir(outPath), "checkpoint.json")),
		Progress:   ui.ChunkProgress(bar),
	})
	if err != nil {
		return services.Wrap(nil, s.Name(), "detect objects", item.Episode.Label(), err)
	}

	frames := make([]frameDetections, len(detections))
	for i, dets := range detections {
		frames[i] = frameDetections{
			Frame:      filepath.Base(framePaths[i]),
			Detections: dets,
		}
	}
	data, err := json.Marshal(objectArtifact{UnitID: item.ID, Frames: frames})
	if err != nil {
		return fmt.Errorf("encode detections: %w", err)
	}
	return fileutil.WriteFileAtomic(outPath, data, 0o644)
}

func (s *DetectStage) inferObjects(ctx context.Context, batch []frameInput) ([][]Detection, error) {
	frames := make([][]byte, len(batch))
	for i, in := range batch {
		frames[i] = in.Data
	}
	return s.detector.DetectObjects(ctx, frames)
}

func (s *DetectStage) Cleanup() {
	if s.loaded {
		s.detector.Close()
		s.loaded = false
	}
}
