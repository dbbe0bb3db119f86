package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"loom/internal/config"
	"loom/internal/gpubatch"
	"loom/internal/logging"
	"loom/internal/pipeline"
	"loom/internal/runstate"
	"loom/internal/services/ffmpeg"
	"loom/internal/services/inference"
	"loom/internal/services/whisper"
	"loom/internal/stages"
	"loom/internal/staging"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		name           string
		skipTranscode  bool
		skipTranscribe bool
		skipEmbed      bool
		skipDetect     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the enrichment pipeline over the corpus",
		Long: `Run executes the enrichment stages in order: transcode, transcribe,
embed, detect. Every stage is incremental; episodes whose outputs already
exist are skipped, and interrupted work resumes where it left off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}

			lock := flock.New(filepath.Join(cfg.Paths.LogDir, "loom.lock"))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another run is already in progress (lock at %s)", lock.Path())
			}
			defer lock.Unlock()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Staging.Enabled {
				maxAge := time.Duration(cfg.Staging.MaxAgeHours) * time.Hour
				staging.CleanStale(cfg.Paths.StagingDir, maxAge, logger)
			}

			state, err := runstate.Open(cfg)
			if err != nil {
				return fmt.Errorf("open run state store: %w", err)
			}
			defer state.Close()

			sweepIncompleteUnits(runCtx, state, logger)

			var stager *staging.Manager
			if cfg.Staging.Enabled {
				stager = staging.NewManager(cfg, logger)
			}

			deps := stages.Deps{
				Config:  cfg,
				Logger:  logger,
				State:   state,
				Staging: stager,
				Batch:   gpubatch.New(cfg, logger),
				Encoder: ffmpeg.NewCLI(
					ffmpeg.WithBinary(cfg.Tools.FfmpegBinary),
				),
				Transcriber: whisper.NewCLI(
					cfg.Tools.WhisperModel,
					whisper.WithBinary(cfg.Tools.WhisperBinary),
				),
				Embedder: inference.NewClient(cfg.Tools.InferenceURL, cfg.Tools.EmbedModel),
				Detector: inference.NewClient(cfg.Tools.InferenceURL, cfg.Tools.DetectModel),
			}

			skips := map[stages.ID]bool{
				stages.Transcode:  skipTranscode,
				stages.Transcribe: skipTranscribe,
				stages.Embed:      skipEmbed,
				stages.Detect:     skipDetect,
			}

			report := pipeline.NewReport(name, runParams(cfg, skips), reportsDir(cfg), statDirs(cfg))
			orch := pipeline.NewOrchestrator(report, logger)
			all := stages.All()
			for i, id := range all {
				label := fmt.Sprintf("%d/%d", i+1, len(all))
				orch.Add(stages.Step(id, label, skips[id], deps))
			}

			code := orch.Execute(runCtx)
			fmt.Fprintf(cmd.OutOrStdout(), "Run report: %s\n", report.Path())
			if code != 0 {
				return exitCodeError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "corpus", "Run name recorded in the report")
	cmd.Flags().BoolVar(&skipTranscode, "skip-transcode", false, "Skip the transcode stage")
	cmd.Flags().BoolVar(&skipTranscribe, "skip-transcribe", false, "Skip the transcribe stage")
	cmd.Flags().BoolVar(&skipEmbed, "skip-embed", false, "Skip the embed stage")
	cmd.Flags().BoolVar(&skipDetect, "skip-detect", false, "Skip the detect stage")
	return cmd
}

// sweepIncompleteUnits drops started-but-incomplete rows left by a crashed
// run. Stale rows carry no information once their outputs are invalidated,
// so the sweep is advisory: a failure is logged, never fatal.
func sweepIncompleteUnits(ctx context.Context, state *runstate.Store, logger *slog.Logger) {
	cleaned, err := state.ResetIncomplete(ctx, string(stages.Detect))
	switch {
	case err != nil:
		logger.Warn("failed to clear incomplete unit records", logging.Error(err))
	case cleaned > 0:
		logger.Info("cleared incomplete unit records", logging.Int64("units", cleaned))
	}
}

func reportsDir(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "reports")
}

// statDirs lists the output directories measured for the report's
// post-hoc statistics.
func statDirs(cfg *config.Config) []string {
	root := cfg.Paths.ArtifactsDir
	return []string{
		filepath.Join(root, "transcode"),
		filepath.Join(root, "transcripts"),
		filepath.Join(root, "embeddings"),
		filepath.Join(root, "detections"),
	}
}

func runParams(cfg *config.Config, skips map[stages.ID]bool) map[string]any {
	params := map[string]any{
		"media_dir":     cfg.Paths.MediaDir,
		"artifacts_dir": cfg.Paths.ArtifactsDir,
		"batch_size":    cfg.Batch.BatchSize,
		"chunk_size":    cfg.Batch.ChunkSize,
	}
	for id, skip := range skips {
		if skip {
			params["skip_"+string(id)] = true
		}
	}
	return params
}
