package jobsched

import (
	"context"
	"log/slog"
	"time"
)

// RetryController decides whether a FAILED run spawns a new job. Retries are
// never in-place mutations: each one is a new Job linked to its predecessor
// via RetryOf, so every attempt stays inspectable. Automatic retries are
// capped per chain; manual retries bypass the cap.
type RetryController struct {
	store  Store
	queue  *QueueManager
	cfg    *Config
	logger *slog.Logger
}

// NewRetryController creates a RetryController.
func NewRetryController(store Store, queue *QueueManager, cfg *Config, logger *slog.Logger) *RetryController {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{store: store, queue: queue, cfg: cfg.withDefaults(), logger: logger}
}

// HandleFailure reacts to a FAILED run. It counts prior attempts via the
// RetryOf chain; below the cap it enqueues a retry job scheduled not before
// now + min(base * 2^attempt, max). At or past the cap (or when cancellation
// suppressed retries) it marks the chain permanently failed. Returns the
// retry job ID when one was spawned.
func (c *RetryController) HandleFailure(ctx context.Context, job *Job, run *JobRun) (string, bool, error) {
	if job == nil || run == nil {
		return "", false, validationErrorf("job", "job and run are required")
	}
	if run.Status != RunStatusFailed {
		return "", false, invalidOpErrorf("retry", "run %s is %s, not %s", run.ID, run.Status, RunStatusFailed)
	}

	if job.RetrySuppressed {
		c.logger.Debug("HandleFailure: retry suppressed by cancellation", "jobID", job.ID)
		if err := c.store.MarkChainExhausted(ctx, job.ID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	attempt, err := c.chainAttempts(ctx, job)
	if err != nil {
		return "", false, err
	}
	if attempt >= c.cfg.MaxAutoRetries {
		c.logger.Debug("HandleFailure: automatic retry cap reached", "jobID", job.ID, "attempts", attempt)
		if err := c.store.MarkChainExhausted(ctx, job.ID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	delay := backoffDelay(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempt)
	notBefore := time.Now().Add(delay)
	retryID, err := c.queue.EnqueueRetry(ctx, job, &Job{
		Type:      job.Type,
		Params:    job.Params,
		Priority:  job.Priority,
		NotBefore: &notBefore,
	})
	if err != nil {
		return "", false, err
	}
	c.logger.Debug("HandleFailure: retry scheduled", "jobID", job.ID, "retryID", retryID, "attempt", attempt+1, "delay", delay)
	return retryID, true, nil
}

// ManualRetry creates a retry job for any FAILED run, bypassing the
// automatic cap. The new job dispatches as soon as the queue reaches it.
func (c *RetryController) ManualRetry(ctx context.Context, runID string) (string, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != RunStatusFailed {
		return "", invalidOpErrorf("retry", "run %s is %s, not %s", runID, run.Status, RunStatusFailed)
	}

	job, err := c.store.GetJob(ctx, run.JobID)
	if err != nil {
		return "", err
	}

	retryID, err := c.queue.EnqueueRetry(ctx, job, &Job{
		Type:     job.Type,
		Params:   job.Params,
		Priority: job.Priority,
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("ManualRetry", "runID", runID, "jobID", job.ID, "retryID", retryID)
	return retryID, nil
}

// chainAttempts walks the RetryOf ancestry and returns how many automatic
// attempts preceded this job (0 for a chain's original job).
func (c *RetryController) chainAttempts(ctx context.Context, job *Job) (int, error) {
	attempts := 0
	current := job
	for current.RetryOf != "" {
		parent, err := c.store.GetJob(ctx, current.RetryOf)
		if err != nil {
			return 0, err
		}
		attempts++
		current = parent
	}
	return attempts, nil
}

// backoffDelay computes min(base * 2^attempt, max).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
