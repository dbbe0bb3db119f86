package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for values that would make a run
// impossible. It reports the first problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paths.MediaDir) == "" {
		return fmt.Errorf("config: paths.media_dir is required")
	}
	if strings.TrimSpace(c.Paths.ArtifactsDir) == "" {
		return fmt.Errorf("config: paths.artifacts_dir is required")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		return fmt.Errorf("config: paths.log_dir is required")
	}
	if c.Staging.Enabled && strings.TrimSpace(c.Paths.StagingDir) == "" {
		return fmt.Errorf("config: paths.staging_dir is required when staging is enabled")
	}

	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("config: batch.batch_size must be positive, got %d", c.Batch.BatchSize)
	}
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("config: batch.chunk_size must be positive, got %d", c.Batch.ChunkSize)
	}
	if c.Batch.ChunkSize < c.Batch.BatchSize {
		return fmt.Errorf("config: batch.chunk_size (%d) must be at least batch.batch_size (%d)", c.Batch.ChunkSize, c.Batch.BatchSize)
	}
	if c.Batch.PrefetchDepth < 0 {
		return fmt.Errorf("config: batch.prefetch_depth must not be negative, got %d", c.Batch.PrefetchDepth)
	}
	if c.Batch.CheckpointEvery < 0 {
		return fmt.Errorf("config: batch.checkpoint_every must not be negative, got %d", c.Batch.CheckpointEvery)
	}

	if c.Staging.MinFreeGiB < 0 {
		return fmt.Errorf("config: staging.min_free_gib must not be negative, got %d", c.Staging.MinFreeGiB)
	}

	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config: logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not recognized", c.Logging.Level)
	}

	if strings.TrimSpace(c.Tools.InferenceURL) != "" {
		if _, err := url.Parse(c.Tools.InferenceURL); err != nil {
			return fmt.Errorf("config: tools.inference_url: %w", err)
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}
