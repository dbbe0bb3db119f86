// Package ffmpeg wraps the ffmpeg command line for archival re-encodes.
package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// ProgressUpdate captures ffmpeg progress events.
type ProgressUpdate struct {
	OutTime time.Duration
	Speed   string
}

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

// WithVideoCodec overrides the default encoder.
func WithVideoCodec(codec string) Option {
	return func(c *CLI) {
		if codec != "" {
			c.codec = codec
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn func(ProgressUpdate)) Option {
	return func(c *CLI) {
		c.progress = fn
	}
}

// CLI wraps the ffmpeg command-line encoder.
type CLI struct {
	binary   string
	codec    string
	progress func(ProgressUpdate)
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "ffmpeg", codec: "libsvtav1"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Encode re-encodes inputPath to outputPath. The caller owns output
// placement; ffmpeg writes to exactly the path given.
func (c *CLI) Encode(ctx context.Context, inputPath, outputPath string) error {
	if inputPath == "" {
		return errors.New("input path required")
	}
	if outputPath == "" {
		return errors.New("output path required")
	}

	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", inputPath,
		"-c:v", c.codec,
		"-c:a", "copy",
		"-f", "matroska",
		"-progress", "pipe:1",
		outputPath,
	}
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	update := ProgressUpdate{}
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				update.OutTime = time.Duration(us) * time.Microsecond
			}
		case "speed":
			update.Speed = value
		case "progress":
			if c.progress != nil {
				c.progress(update)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ffmpeg output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w", err)
	}
	return nil
}
