// Package testsupport provides shared constructors for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.MediaDir = filepath.Join(base, "media")
	cfg.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Batch.BatchSize = 4
	cfg.Batch.ChunkSize = 8
	cfg.Batch.PrefetchDepth = 0
	cfg.Batch.CheckpointEvery = 2

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithBatch overrides the batch execution settings on the test config.
func WithBatch(batchSize, chunkSize int) ConfigOption {
	return func(c *config.Config) {
		c.Batch.BatchSize = batchSize
		c.Batch.ChunkSize = chunkSize
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.MediaDir)
}
