package jobsched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Executor runs one claimed job's work through its registered handler and
// persists the run's terminal outcome. Handler failures never propagate to
// the caller as errors; they become FAILED runs. Only store failures are
// returned.
type Executor struct {
	store    Store
	registry *HandlerRegistry
	logger   *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(store Store, registry *HandlerRegistry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: store, registry: registry, logger: logger}
}

// Execute invokes the handler for the job's type with the run's params
// snapshot, classifies the outcome (COMPLETED / FAILED / SKIPPED) and
// finishes the run. Returns the terminal run.
func (e *Executor) Execute(ctx context.Context, job *Job, run *JobRun) (*JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if job == nil || run == nil {
		return nil, validationErrorf("job", "job and run are required")
	}

	outcome := e.runHandler(ctx, job, run)
	e.logger.Debug("Execute: handler finished", "jobID", job.ID, "runID", run.ID, "status", outcome.Status, "error", outcome.Error)

	finished, err := e.store.FinishRun(ctx, run.ID, outcome)
	if err != nil {
		e.logger.Error("Execute: failed to persist run outcome", "runID", run.ID, "error", err)
		return nil, err
	}
	return finished, nil
}

// runHandler executes the handler and classifies its result. A panic inside
// the handler is captured as a FAILED run so the dispatcher loop survives
// misbehaving work.
func (e *Executor) runHandler(ctx context.Context, job *Job, run *JobRun) (outcome RunOutcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Execute: handler panicked", "jobID", job.ID, "jobType", job.Type, "panic", r)
			outcome = RunOutcome{Status: RunStatusFailed, Error: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	handler, err := e.registry.Resolve(job.Type)
	if err != nil {
		// No handler for a persisted type: fail the run, keep the queue moving.
		return RunOutcome{Status: RunStatusFailed, Error: err.Error()}
	}

	e.logger.Debug("Execute: invoking handler", "jobID", job.ID, "jobType", job.Type, "runID", run.ID)
	result, err := handler.Execute(ctx, run.ParamsSnapshot)

	switch {
	case err == nil:
		outcome = RunOutcome{Status: RunStatusCompleted}
	case errors.Is(err, ErrSkipExecution):
		outcome = RunOutcome{Status: RunStatusSkipped}
	default:
		outcome = RunOutcome{Status: RunStatusFailed, Error: err.Error()}
	}
	if result != nil {
		outcome.Artifacts = result.Artifacts
		outcome.ExitCode = result.ExitCode
	}
	return outcome
}
