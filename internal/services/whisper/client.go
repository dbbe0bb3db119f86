// Package whisper wraps the whisper.cpp command line for transcription.
package whisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"loom/internal/stages"
)

var commandContext = exec.CommandContext

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithLanguage forces a transcription language instead of auto-detection.
func WithLanguage(lang string) Option {
	return func(c *CLI) {
		c.language = lang
	}
}

// CLI wraps the whisper.cpp command-line transcriber.
type CLI struct {
	binary    string
	modelPath string
	language  string
}

// NewCLI constructs a client for the given model file.
func NewCLI(modelPath string, opts ...Option) *CLI {
	cli := &CLI{binary: "whisper-cli", modelPath: modelPath}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Load verifies the binary and model are present. The model itself is
// loaded per invocation by the CLI, so this is a cheap preflight.
func (c *CLI) Load(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("whisper binary %q: %w", c.binary, err)
	}
	if c.modelPath == "" {
		return errors.New("whisper model path required")
	}
	if _, err := os.Stat(c.modelPath); err != nil {
		return fmt.Errorf("whisper model %s: %w", c.modelPath, err)
	}
	return nil
}

// whisperOutput mirrors the whisper.cpp JSON output format.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Transcribe runs the CLI against inputPath and returns the parsed
// transcript.
func (c *CLI) Transcribe(ctx context.Context, inputPath string) (*stages.Transcript, error) {
	if inputPath == "" {
		return nil, errors.New("input path required")
	}

	tmpDir, err := os.MkdirTemp("", "loom-whisper-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)
	outBase := filepath.Join(tmpDir, "transcript")

	args := []string{
		"-m", c.modelPath,
		"-f", inputPath,
		"--output-json",
		"--output-file", outBase,
	}
	if c.language != "" {
		args = append(args, "--language", c.language)
	}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("whisper failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	var parsed whisperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}

	transcript := &stages.Transcript{Language: parsed.Result.Language}
	for _, seg := range parsed.Transcription {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		transcript.Segments = append(transcript.Segments, stages.TranscriptSegment{
			Start: float64(seg.Offsets.From) / 1000,
			End:   float64(seg.Offsets.To) / 1000,
			Text:  text,
		})
	}
	return transcript, nil
}

// Close releases nothing; the CLI holds no persistent state.
func (c *CLI) Close() {}
