package processor

import "context"

// Stage is the contract every concrete processing stage implements. The
// engine drives it; the stage owns only its discovery rules, its expected
// outputs, and the per-item work.
type Stage interface {
	// Name returns the stage's step name, used for logging and run-state keys.
	Name() string

	// ValidateArgs checks configuration before any work starts. Errors here
	// fail the whole step immediately.
	ValidateArgs() error

	// DiscoverItems enumerates candidate work by scanning the input root.
	// Discovery runs fresh every invocation; items are never persisted.
	DiscoverItems(ctx context.Context) ([]Item, error)

	// ExpectedOutputs declares the artifacts this stage produces for an
	// item. It must be a pure function of the item's identity.
	ExpectedOutputs(item Item) []OutputSpec

	// LoadResources acquires expensive shared resources (models) once
	// before the item loop. Returning false aborts the step.
	LoadResources(ctx context.Context) (bool, error)

	// ProcessItem performs the work for exactly the missing outputs.
	ProcessItem(ctx context.Context, item Item, missing []OutputSpec) error

	// Cleanup releases resources acquired by LoadResources. It is called
	// once after the loop on every exit path.
	Cleanup()
}
