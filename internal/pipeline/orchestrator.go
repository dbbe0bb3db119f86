package pipeline

import (
	"context"
	"log/slog"
	"runtime"

	"loom/internal/logging"
	"loom/internal/services"
)

// Orchestrator executes registered steps in order. The first nonzero exit
// code stops the run immediately; interruption is recorded with
// ExitInterrupted and also stops the run. The report is finalized on every
// exit path.
type Orchestrator struct {
	steps  []Step
	report *Report
	logger *slog.Logger
}

// NewOrchestrator binds an orchestrator to a run report.
func NewOrchestrator(report *Report, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		report: report,
		logger: logging.NewComponentLogger(logger, "pipeline"),
	}
}

// Add appends a step. Steps run in registration order.
func (o *Orchestrator) Add(step Step) {
	o.steps = append(o.steps, step)
}

// Execute runs every registered step and returns the process exit code.
func (o *Orchestrator) Execute(ctx context.Context) int {
	o.logger.Info("starting run",
		logging.String("run_id", o.report.RunID),
		logging.Int("steps", len(o.steps)),
	)

	for _, step := range o.steps {
		meta := &StepMetadata{
			Name:   step.Name,
			Label:  step.Label,
			Status: StatusPending,
		}
		o.report.Steps = append(o.report.Steps, meta)

		if step.Skip {
			meta.Status = StatusSkipped
			o.logger.Info("step skipped",
				logging.String(logging.FieldStep, step.Name),
				logging.String("label", step.Label),
			)
			continue
		}

		meta.start()
		o.logger.Info("step starting",
			logging.String(logging.FieldStep, step.Name),
			logging.String("label", step.Label),
		)

		code := o.runStep(ctx, step)
		if ctx.Err() != nil || code == ExitInterrupted {
			meta.finish(ExitInterrupted)
			o.logger.Warn("run interrupted",
				logging.String(logging.FieldStep, step.Name),
			)
			o.finalize("interrupted", ExitInterrupted)
			return ExitInterrupted
		}
		meta.finish(code)

		if code != 0 {
			o.logger.Error("step failed, stopping run",
				logging.String(logging.FieldStep, step.Name),
				logging.Int("exit_code", code),
				logging.String(logging.FieldErrorHint, "fix the failure and rerun; completed work is not redone"),
			)
			o.finalize("failed", code)
			return code
		}

		o.logger.Info("step complete",
			logging.String(logging.FieldStep, step.Name),
			logging.Duration("duration", meta.EndTime.Sub(meta.StartTime)),
		)
	}

	o.finalize("success", 0)
	o.logger.Info("run complete", logging.String("report", o.report.Path()))
	return 0
}

// runStep executes one step inside a scoped release boundary: the step's
// Release hook runs on every exit path, followed by a GC pass so freed
// model memory is actually returned before the next step loads its own.
func (o *Orchestrator) runStep(ctx context.Context, step Step) int {
	defer func() {
		if step.Release != nil {
			step.Release()
		}
		runtime.GC()
	}()
	return step.Execute(services.WithStep(ctx, step.Name))
}

func (o *Orchestrator) finalize(status string, code int) {
	if err := o.report.Finalize(status, code); err != nil {
		o.logger.Error("persist run report", logging.Error(err))
	}
}
