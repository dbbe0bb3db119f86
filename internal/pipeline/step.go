package pipeline

import "context"

// Status tracks a step through its lifecycle. Transitions are
// pending -> skipped, or pending -> running -> success | failed.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSkipped Status = "skipped"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// ExitInterrupted is the reserved exit code for user interruption. It is
// distinguished from ordinary failure so operators can tell Ctrl-C apart
// from a broken stage.
const ExitInterrupted = 130

// Step is one named macro stage of the pipeline. Execute returns the
// step's process exit code; zero means success. Release, when set, is
// invoked after Execute on every exit path and frees whatever the step
// held (accelerator caches, loaded models).
type Step struct {
	Name    string
	Label   string
	Skip    bool
	Execute func(context.Context) int
	Release func()
}
