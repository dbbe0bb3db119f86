package config

// Default returns the baseline configuration before any file overrides.
func Default() Config {
	return Config{
		Paths: Paths{
			MediaDir:     "~/media",
			ArtifactsDir: "~/media-artifacts",
			StagingDir:   "/tmp/loom-staging",
			LogDir:       "~/.local/share/loom/logs",
		},
		Batch: Batch{
			BatchSize:       32,
			ChunkSize:       256,
			PrefetchDepth:   2,
			CheckpointEvery: 10,
		},
		Staging: Staging{
			Enabled:     true,
			MinFreeGiB:  2,
			MaxAgeHours: 48,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
		Tools: Tools{
			FfmpegBinary:  "ffmpeg",
			WhisperBinary: "whisper-cli",
			WhisperModel:  "~/.local/share/loom/models/ggml-base.en.bin",
			InferenceURL:  "http://127.0.0.1:8199",
			EmbedModel:    "clip-vit-b32",
			DetectModel:   "yolov8n",
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelayMS: 1000,
			MaxDelaySec: 10,
		},
	}
}
