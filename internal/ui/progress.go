// Package ui renders terminal feedback for interactive runs. All types are
// nil-safe so callers can pass a nil bar when output is not a terminal.
package ui

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Bar is a thin wrapper around progressbar for chunk- and item-level
// progress. A nil *Bar ignores every call.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar builds a progress bar writing to out (os.Stderr when nil).
func NewBar(total int64, description string, out io.Writer) *Bar {
	if out == nil {
		out = os.Stderr
	}
	bar := progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionEnableColorCodes(false),
	)
	return &Bar{bar: bar}
}

// MaybeNewBar returns a bar only when stderr is a terminal, so batch runs
// under cron or CI log cleanly.
func MaybeNewBar(total int64, description string) *Bar {
	if !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return nil
	}
	return NewBar(total, description, os.Stderr)
}

// Set moves the bar to an absolute position.
func (b *Bar) Set(value int64) {
	if b == nil {
		return
	}
	_ = b.bar.Set64(value)
}

// Add advances the bar.
func (b *Bar) Add(delta int64) {
	if b == nil {
		return
	}
	_ = b.bar.Add64(delta)
}

// Finish completes and clears the bar.
func (b *Bar) Finish() {
	if b == nil {
		return
	}
	_ = b.bar.Finish()
}

// ChunkProgress adapts a bar to the batch engine's progress callback.
func ChunkProgress(bar *Bar) func(processed, total int) {
	return func(processed, _ int) {
		bar.Set(int64(processed))
	}
}
