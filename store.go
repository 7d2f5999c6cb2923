package jobsched

import (
	"context"
	"time"
)

// Store is the interface for scheduler persistence. It is the sole authority
// for durable Job/JobRun/JobGroup/Reservation state: ordering and recovery
// never depend on process memory. Implementations must be thread-safe and
// support concurrent operations.
type Store interface {
	// CreateJob persists a new job with status QUEUED (or PENDING when the
	// caller gates it behind a sequential group). The store assigns the queue
	// position. Returns a ValidationError on malformed input.
	CreateJob(ctx context.Context, job *Job) (string, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ListQueuedJobs returns all QUEUED jobs in claim order
	// (priority DESC, position ASC, created_at ASC).
	ListQueuedJobs(ctx context.Context) ([]*Job, error)

	// ClaimNextJob atomically selects the highest-ordered QUEUED job whose
	// NotBefore is due, transitions it to RUNNING and creates its JobRun in
	// one transaction. Under concurrent callers exactly one succeeds for a
	// given job. Returns (nil, nil, nil) when no job is due.
	ClaimNextJob(ctx context.Context, now time.Time) (*Job, *JobRun, error)

	// UpdateJobParams replaces the params of a job still awaiting dispatch
	// (QUEUED, or PENDING behind a sequential group). Any other status yields
	// an InvalidOperationError and leaves the job unchanged.
	UpdateJobParams(ctx context.Context, jobID string, params []byte) (*Job, error)

	// UpdateJobPriority changes the priority of a job still awaiting
	// dispatch. Any other status yields an InvalidOperationError and leaves
	// the job unchanged.
	UpdateJobPriority(ctx context.Context, jobID string, priority int) (*Job, error)

	// ReorderJob moves a job still awaiting dispatch to a new position within
	// its priority band. Any other status yields an InvalidOperationError.
	ReorderJob(ctx context.Context, jobID string, position int64) (*Job, error)

	// CancelJob cancels a QUEUED or PENDING job immediately (no run is ever
	// created). For a RUNNING job it records retry suppression and returns
	// the job unchanged: execution is never preempted. Jobs already
	// cancelled, or finished, yield an InvalidOperationError.
	CancelJob(ctx context.Context, jobID string) (*Job, error)

	// PromoteJob transitions a PENDING job to QUEUED (sequential group
	// release). Jobs in any other status yield an InvalidOperationError.
	PromoteJob(ctx context.Context, jobID string) (*Job, error)

	// MarkChainExhausted flags a job whose retry chain gave up automatically.
	MarkChainExhausted(ctx context.Context, jobID string) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*JobRun, error)

	// GetRunForJob retrieves the single run owned by a job, or ErrRunNotFound
	// when the job never dispatched.
	GetRunForJob(ctx context.Context, jobID string) (*JobRun, error)

	// FinishRun applies the one-shot terminal transition to a run and stamps
	// the owning job's FinishedAt. Finishing an already-terminal run, or
	// finishing with a non-terminal status, yields an InvalidOperationError.
	FinishRun(ctx context.Context, runID string, outcome RunOutcome) (*JobRun, error)

	// CreateGroup persists a new job group with status RUNNING.
	CreateGroup(ctx context.Context, group *JobGroup) (string, error)

	// GetGroup retrieves a group by ID.
	GetGroup(ctx context.Context, groupID string) (*JobGroup, error)

	// ListGroupJobs returns every job referencing the group, retries
	// included, ordered by creation time.
	ListGroupJobs(ctx context.Context, groupID string) ([]*Job, error)

	// UpdateGroupStatus sets a group's aggregate status, stamping FinishedAt
	// on the transition out of RUNNING.
	UpdateGroupStatus(ctx context.Context, groupID string, status GroupStatus) error

	// CreateReservation persists a new ACTIVE next-slot reservation. Returns
	// ErrReservationHeld when another reservation is still ACTIVE.
	CreateReservation(ctx context.Context, res *Reservation) (string, error)

	// ActiveReservation returns the ACTIVE reservation, or (nil, nil).
	ActiveReservation(ctx context.Context) (*Reservation, error)

	// ExpireReservation transitions a reservation to EXPIRED. Expiring an
	// already-expired reservation is a no-op.
	ExpireReservation(ctx context.Context, resID string) error

	// RecoverOrphans finds jobs left RUNNING (or mid-claim) by an unclean
	// shutdown with no terminal run, synthesizes a FAILED run with the given
	// error text for each, and returns the synthesized runs. Running it again
	// against an already-recovered store returns nothing.
	RecoverOrphans(ctx context.Context, errorMsg string) ([]*JobRun, error)

	// ExpireActiveReservations force-expires any ACTIVE reservation (crash
	// recovery) and returns how many were expired.
	ExpireActiveReservations(ctx context.Context) (int, error)

	// Stats returns cumulative counters over all jobs and runs.
	Stats(ctx context.Context) (*Stats, error)

	// QueueLength counts jobs whose external status is QUEUED.
	QueueLength(ctx context.Context) (int, error)

	// Close closes the store.
	Close() error
}

// claimLess orders jobs for dispatch: priority DESC, position ASC,
// created_at ASC. Deterministic and stable across restarts because every
// component of the key is persisted.
func claimLess(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// claimable reports whether a job is eligible for ClaimNextJob at now.
func claimable(job *Job, now time.Time) bool {
	if job.Status != JobStatusQueued {
		return false
	}
	if job.NotBefore != nil && job.NotBefore.After(now) {
		return false
	}
	return true
}

// validateNewJob checks the fields CreateJob requires. Shared by all stores.
func validateNewJob(job *Job) error {
	if job == nil {
		return validationErrorf("job", "job is nil")
	}
	if job.ID == "" {
		return validationErrorf("id", "job ID is required")
	}
	if job.Type == "" {
		return validationErrorf("type", "job type is required")
	}
	if job.Status != JobStatusQueued && job.Status != JobStatusPending {
		return validationErrorf("status", "new job must be %s or %s, got %s",
			JobStatusQueued, JobStatusPending, job.Status)
	}
	return nil
}

// validateOutcome checks the terminal transition FinishRun applies.
func validateOutcome(outcome RunOutcome) error {
	switch outcome.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusSkipped:
	default:
		return validationErrorf("status", "run outcome must be terminal, got %q", outcome.Status)
	}
	if outcome.Status == RunStatusFailed && outcome.Error == "" {
		return validationErrorf("error", "failed outcome requires error text")
	}
	return nil
}
