package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"loom/internal/runstate"
	"loom/internal/stages"
	"loom/internal/testsupport"
)

func TestSweepIncompleteUnitsClearsCrashedRows(t *testing.T) {
	ctx := context.Background()
	state, err := runstate.Open(testsupport.NewConfig(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer state.Close()

	step := string(stages.Detect)
	if err := state.Start(ctx, step, "s01e01"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := state.Start(ctx, step, "s01e02"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := state.Complete(ctx, step, "s01e02"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var buf bytes.Buffer
	sweepIncompleteUnits(ctx, state, slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "cleared incomplete unit records") {
		t.Fatalf("expected sweep log line, got %q", buf.String())
	}

	units, err := state.CompletedUnits(ctx, step)
	if err != nil {
		t.Fatalf("completed units: %v", err)
	}
	if len(units) != 1 || units[0] != "s01e02" {
		t.Fatalf("expected only the completed unit to survive, got %v", units)
	}

	// A clean store produces no log noise.
	buf.Reset()
	sweepIncompleteUnits(ctx, state, slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Fatalf("expected silent sweep on clean store, got %q", buf.String())
	}
}

func TestSweepIncompleteUnitsSurvivesStoreFailure(t *testing.T) {
	state, err := runstate.Open(testsupport.NewConfig(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	state.Close()

	var buf bytes.Buffer
	sweepIncompleteUnits(context.Background(), state, slog.New(slog.NewTextHandler(&buf, nil)))
	if !strings.Contains(buf.String(), "failed to clear incomplete unit records") {
		t.Fatalf("expected warning on store failure, got %q", buf.String())
	}
}
