package processor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/logging"
	"loom/internal/processor"
	"loom/internal/services"
	"loom/internal/testsupport"
)

// fakeStage drives the engine with scripted items and records invocations.
type fakeStage struct {
	name        string
	items       []processor.Item
	outputs     func(processor.Item) []processor.OutputSpec
	process     func(context.Context, processor.Item, []processor.OutputSpec) error
	loadOK      bool
	loadCalls   int
	cleanups    int
	validateErr error
}

func (s *fakeStage) Name() string        { return s.name }
func (s *fakeStage) ValidateArgs() error { return s.validateErr }

func (s *fakeStage) DiscoverItems(context.Context) ([]processor.Item, error) {
	return s.items, nil
}

func (s *fakeStage) ExpectedOutputs(item processor.Item) []processor.OutputSpec {
	return s.outputs(item)
}

func (s *fakeStage) LoadResources(context.Context) (bool, error) {
	s.loadCalls++
	return s.loadOK, nil
}

func (s *fakeStage) ProcessItem(ctx context.Context, item processor.Item, missing []processor.OutputSpec) error {
	return s.process(ctx, item, missing)
}

func (s *fakeStage) Cleanup() { s.cleanups++ }

func writeOutputs(missing []processor.OutputSpec) error {
	for _, spec := range missing {
		if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(spec.Path, []byte("artifact"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func singleOutput(dir string) func(processor.Item) []processor.OutputSpec {
	return func(item processor.Item) []processor.OutputSpec {
		return []processor.OutputSpec{
			{Path: filepath.Join(dir, item.ID+".json"), Required: true},
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	processed := 0
	stage := &fakeStage{
		name:    "transcribe",
		loadOK:  true,
		items:   []processor.Item{{ID: "s01e01"}, {ID: "s01e02"}},
		outputs: singleOutput(dir),
		process: func(_ context.Context, _ processor.Item, missing []processor.OutputSpec) error {
			processed++
			return writeOutputs(missing)
		},
	}

	result, err := processor.Run(context.Background(), stage, logging.NewNop())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if result.Processed != 2 || result.Skipped != 0 {
		t.Fatalf("unexpected first result %+v", result)
	}

	result, err = processor.Run(context.Background(), stage, logging.NewNop())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if processed != 2 {
		t.Fatalf("second run must not invoke stage logic, saw %d invocations", processed)
	}
	if result.Skipped != 2 || result.Processed != 0 {
		t.Fatalf("unexpected second result %+v", result)
	}
	if stage.loadCalls != 1 {
		t.Fatalf("resources must not load when nothing is pending, got %d loads", stage.loadCalls)
	}
}

func TestRunProcessesOnlyMissingOutputs(t *testing.T) {
	dir := t.TempDir()
	textPath := filepath.Join(dir, "s01e01", "embeddings_text.json")
	videoPath := filepath.Join(dir, "s01e01", "embeddings_video.json")

	testsupport.WriteFile(t, textPath, "existing")
	existingInfo, err := os.Stat(textPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	var seen []string
	stage := &fakeStage{
		name:   "embed",
		loadOK: true,
		items:  []processor.Item{{ID: "s01e01"}},
		outputs: func(item processor.Item) []processor.OutputSpec {
			return []processor.OutputSpec{
				{Path: textPath, Required: true},
				{Path: videoPath, Required: true},
			}
		},
		process: func(_ context.Context, _ processor.Item, missing []processor.OutputSpec) error {
			for _, spec := range missing {
				seen = append(seen, spec.Path)
			}
			return writeOutputs(missing)
		},
	}

	result, err := processor.Run(context.Background(), stage, logging.NewNop())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(seen) != 1 || seen[0] != videoPath {
		t.Fatalf("expected only the missing output, got %v", seen)
	}

	after, err := os.Stat(textPath)
	if err != nil {
		t.Fatalf("stat after run: %v", err)
	}
	if !after.ModTime().Equal(existingInfo.ModTime()) {
		t.Fatal("existing output mtime must not change")
	}
}

func TestRunScenarioPartialCorpus(t *testing.T) {
	// Item A fully done, item B missing one of two outputs, item C has
	// nothing: the rerun touches only B (partially) and C (fully).
	dir := t.TempDir()
	outputs := func(item processor.Item) []processor.OutputSpec {
		return []processor.OutputSpec{
			{Path: filepath.Join(dir, item.ID, "first.json"), Required: true},
			{Path: filepath.Join(dir, item.ID, "second.json"), Required: true},
		}
	}

	testsupport.WriteFile(t, filepath.Join(dir, "a", "first.json"), "done")
	testsupport.WriteFile(t, filepath.Join(dir, "a", "second.json"), "done")
	testsupport.WriteFile(t, filepath.Join(dir, "b", "first.json"), "done")

	invoked := map[string]int{}
	stage := &fakeStage{
		name:    "embed",
		loadOK:  true,
		items:   []processor.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		outputs: outputs,
		process: func(_ context.Context, item processor.Item, missing []processor.OutputSpec) error {
			invoked[item.ID] = len(missing)
			return writeOutputs(missing)
		},
	}

	result, err := processor.Run(context.Background(), stage, logging.NewNop())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Skipped != 1 || result.Processed != 2 || result.Failed != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, touched := invoked["a"]; touched {
		t.Fatal("item A must not be processed")
	}
	if invoked["b"] != 1 {
		t.Fatalf("item B expected 1 missing output, got %d", invoked["b"])
	}
	if invoked["c"] != 2 {
		t.Fatalf("item C expected 2 missing outputs, got %d", invoked["c"])
	}
}

func TestRunIsolatesItemFailures(t *testing.T) {
	dir := t.TempDir()
	stage := &fakeStage{
		name:    "transcode",
		loadOK:  true,
		items:   []processor.Item{{ID: "s01e01"}, {ID: "s01e02"}, {ID: "s01e03"}},
		outputs: singleOutput(dir),
		process: func(_ context.Context, item processor.Item, missing []processor.OutputSpec) error {
			if item.ID == "s01e02" {
				return fmt.Errorf("encoder exploded")
			}
			return writeOutputs(missing)
		},
	}

	result, err := processor.Run(context.Background(), stage, logging.NewNop())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Ok() {
		t.Fatal("result with failures must not be Ok")
	}
	if stage.cleanups != 1 {
		t.Fatalf("expected exactly one cleanup, got %d", stage.cleanups)
	}
}

func TestRunAbortsWhenResourcesUnavailable(t *testing.T) {
	dir := t.TempDir()
	stage := &fakeStage{
		name:    "detect",
		loadOK:  false,
		items:   []processor.Item{{ID: "s01e01"}},
		outputs: singleOutput(dir),
		process: func(context.Context, processor.Item, []processor.OutputSpec) error {
			t.Fatal("process must not run without resources")
			return nil
		},
	}

	if _, err := processor.Run(context.Background(), stage, logging.NewNop()); err == nil {
		t.Fatal("expected error when resources are unavailable")
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	processed := 0
	stage := &fakeStage{
		name:    "transcode",
		loadOK:  true,
		items:   []processor.Item{{ID: "s01e01"}, {ID: "s01e02"}},
		outputs: singleOutput(dir),
		process: func(context.Context, processor.Item, []processor.OutputSpec) error {
			processed++
			cancel()
			return ctx.Err()
		},
	}

	_, err := processor.Run(ctx, stage, logging.NewNop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected no further items after cancellation, got %d", processed)
	}
	if stage.cleanups != 1 {
		t.Fatalf("cleanup must run on cancellation, got %d", stage.cleanups)
	}
}

func TestRunLogLinesCarryStepAndItem(t *testing.T) {
	dir := t.TempDir()
	stage := &fakeStage{
		name:    "detect",
		loadOK:  true,
		items:   []processor.Item{{ID: "s01e01"}, {ID: "s01e02"}},
		outputs: singleOutput(dir),
		process: func(_ context.Context, item processor.Item, missing []processor.OutputSpec) error {
			if item.ID == "s01e02" {
				return fmt.Errorf("detector exploded")
			}
			return writeOutputs(missing)
		},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := services.WithStep(context.Background(), "detect")
	if _, err := processor.Run(ctx, stage, logger); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var failureLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "item failed") {
			failureLine = line
		}
	}
	if failureLine == "" {
		t.Fatalf("no failure line logged:\n%s", buf.String())
	}
	if !strings.Contains(failureLine, "step=detect") {
		t.Fatalf("failure line missing step field: %q", failureLine)
	}
	if !strings.Contains(failureLine, "item_id=s01e02") {
		t.Fatalf("failure line missing item field: %q", failureLine)
	}
}

func TestDiscoverByGlobDropsUnparsableNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"Show S01E02.mkv",
		"Show S01E01.mkv",
		"extras-featurette.mkv",
	} {
		testsupport.WriteFile(t, filepath.Join(dir, name), "video")
	}

	items, err := processor.DiscoverByGlob(dir, "*.mkv", logging.NewNop())
	if err != nil {
		t.Fatalf("DiscoverByGlob failed: %v", err)
	}
	processor.SortItems(items)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != "s01e01" || items[1].ID != "s01e02" {
		t.Fatalf("unexpected order %v, %v", items[0].ID, items[1].ID)
	}
}

func TestMissingOutputsIgnoresOptional(t *testing.T) {
	dir := t.TempDir()
	specs := []processor.OutputSpec{
		{Path: filepath.Join(dir, "required.json"), Required: true},
		{Path: filepath.Join(dir, "optional.json"), Required: false},
	}
	missing := processor.MissingOutputs(specs)
	if len(missing) != 1 || missing[0].Path != specs[0].Path {
		t.Fatalf("unexpected missing set %v", missing)
	}
}
