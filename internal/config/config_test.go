package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, path, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}
	if path == "" {
		t.Fatal("expected resolved path")
	}
	if cfg.Batch.BatchSize != 32 {
		t.Fatalf("expected default batch size 32, got %d", cfg.Batch.BatchSize)
	}
	if !cfg.Staging.Enabled {
		t.Fatal("expected staging enabled by default")
	}
}

func TestLoadParsesAndExpandsPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
media_dir = "` + dir + `/media"
artifacts_dir = "` + dir + `/artifacts"
staging_dir = "` + dir + `/staging"
log_dir = "` + dir + `/logs"

[batch]
batch_size = 8
chunk_size = 64
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected exists=true")
	}
	if cfg.Batch.BatchSize != 8 {
		t.Fatalf("expected batch size 8, got %d", cfg.Batch.BatchSize)
	}
	if cfg.Batch.PrefetchDepth != 2 {
		t.Fatalf("expected default prefetch depth, got %d", cfg.Batch.PrefetchDepth)
	}
	if !filepath.IsAbs(cfg.Paths.MediaDir) {
		t.Fatalf("expected absolute media dir, got %q", cfg.Paths.MediaDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero batch size", func(c *config.Config) { c.Batch.BatchSize = 0 }, "batch_size"},
		{"chunk smaller than batch", func(c *config.Config) { c.Batch.ChunkSize = 4 }, "chunk_size"},
		{"negative prefetch", func(c *config.Config) { c.Batch.PrefetchDepth = -1 }, "prefetch_depth"},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "yaml" }, "logging.format"},
		{"missing media dir", func(c *config.Config) { c.Paths.MediaDir = "" }, "media_dir"},
		{"zero retry attempts", func(c *config.Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.ArtifactsDir = filepath.Join(base, "artifacts")
	cfg.Paths.StagingDir = filepath.Join(base, "staging")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.ArtifactsDir, cfg.Paths.StagingDir, cfg.Paths.LogDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s", dir)
		}
	}
}
