// Package jobsched provides a persisted job scheduler: a durable work queue
// and execution engine with crash-safe recovery, bounded automatic retries,
// and non-preemptive interleaving with synchronous direct execution requests.
//
// The package supports:
//   - Multiple store implementations (in-memory, BadgerDB, SQLite)
//   - Deterministic dispatch ordering (priority, position, creation time)
//   - Atomic claim-and-transition: exactly one concurrent claimer wins a job
//   - Retry-as-new-Job chains linked via RetryOf, capped at 3 automatic attempts
//   - Parallel and sequential job groups
//   - Next-slot reservations for synchronous callers
//   - At-least-once webhook delivery of terminal outcomes
//
// Example usage:
//
//	store := jobsched.NewInMemoryStore()
//	sched := jobsched.NewScheduler(store, jobsched.LoadConfig(), logger)
//	sched.Register("send_report", jobsched.WorkFunc(sendReport))
//	sched.Start(ctx)
//	defer sched.Stop()
//
//	jobID, pos, _ := sched.Enqueue(ctx, jobsched.JobSpec{
//		Type:   "send_report",
//		Params: []byte(`{"week": 12}`),
//	})
package jobsched

import (
	"time"
)

// JobStatus represents the queue-side state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is gated behind a sequential group
	// and not yet eligible for dispatch. Internal only.
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued indicates the job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusDispatched indicates a claim is in progress. The status exists
	// only inside the claim transaction and is never externally visible.
	JobStatusDispatched JobStatus = "dispatched"
	// JobStatusRunning indicates the job has been claimed and has a JobRun.
	// A job whose run reached a terminal status keeps JobStatusRunning; the
	// outcome lives on the run.
	JobStatusRunning JobStatus = "running"
	// JobStatusCancelled indicates the job was cancelled while queued and
	// will never produce a JobRun.
	JobStatusCancelled JobStatus = "cancelled"
)

// External maps internal-only statuses to the fixed external vocabulary
// (QUEUED, RUNNING, CANCELLED). Responses and webhook payloads must never
// carry JobStatusPending or JobStatusDispatched.
func (s JobStatus) External() JobStatus {
	switch s {
	case JobStatusPending:
		return JobStatusQueued
	case JobStatusDispatched:
		return JobStatusRunning
	default:
		return s
	}
}

// RunStatus represents the terminal outcome of a JobRun. A run in progress
// has the zero value until it is finished exactly once.
type RunStatus string

const (
	// RunStatusCompleted indicates the handler returned successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the handler returned an error (or the job was
	// orphaned by a crash).
	RunStatusFailed RunStatus = "failed"
	// RunStatusSkipped indicates the handler signalled that the work was
	// intentionally not performed (e.g. upstream duplicate detection).
	RunStatusSkipped RunStatus = "skipped"
)

// GroupMode controls how a group's members become eligible for dispatch.
type GroupMode string

const (
	// GroupModeParallel queues every member immediately.
	GroupModeParallel GroupMode = "parallel"
	// GroupModeSequential queues members one at a time, in order. A member's
	// failure (after its retry chain exhausts) cancels all not-yet-started
	// successors.
	GroupModeSequential GroupMode = "sequential"
)

// GroupStatus is the aggregate state of a job group.
type GroupStatus string

const (
	// GroupStatusRunning indicates at least one member chain is still open.
	GroupStatusRunning GroupStatus = "running"
	// GroupStatusCompleted indicates every member chain closed successfully.
	GroupStatusCompleted GroupStatus = "completed"
	// GroupStatusPartial indicates all chains closed but at least one member
	// failed or was cancelled.
	GroupStatusPartial GroupStatus = "partial"
)

// ReservationStatus is the state of a next-slot reservation.
type ReservationStatus string

const (
	// ReservationStatusActive indicates the reservation holds the next slot.
	ReservationStatusActive ReservationStatus = "active"
	// ReservationStatusExpired indicates the reservation was released, or
	// force-expired during crash recovery.
	ReservationStatusExpired ReservationStatus = "expired"
)

// Job represents a queued unit of work awaiting or undergoing execution.
// Params and Priority are mutable only while the job is QUEUED.
type Job struct {
	ID              string     // Unique job identifier
	Type            string     // Job type, resolved to a WorkHandler at dispatch
	Params          []byte     // Opaque payload handed to the handler
	Priority        int        // Higher dispatches first
	Position        int64      // Tie-break within equal priority (lower first)
	GroupID         string     // Optional non-owning group back-reference
	RetryOf         string     // Job this one retries (retry chain ancestry)
	Status          JobStatus  // Current queue-side status
	NotBefore       *time.Time // Earliest dispatch time (retry backoff)
	RetrySuppressed bool       // Cancellation requested while running: no future retry
	ChainExhausted  bool       // Automatic retries gave up on this chain
	CreatedAt       time.Time  // When the job was created
	QueuedAt        *time.Time // When the job became eligible for dispatch
	StartedAt       *time.Time // When the job was claimed (nil if never claimed)
	FinishedAt      *time.Time // When the job's run reached a terminal status
}

// JobRun is the immutable record of one execution attempt. A job has at most
// one run (a retry creates a new Job+JobRun pair, never a second run on the
// same job). Only Status, FinishedAt, ExitCode, Error and Artifacts may
// change, each exactly once, when the run is finished.
type JobRun struct {
	ID             string     // Unique run identifier
	JobID          string     // Owning job (strict 1:1)
	ParamsSnapshot []byte     // Job params frozen at dispatch
	Status         RunStatus  // Terminal outcome; zero value while in progress
	StartedAt      time.Time  // When execution began
	FinishedAt     *time.Time // When the run reached its terminal status
	ExitCode       *int       // Optional handler exit code
	Error          string     // Failure text (empty unless FAILED)
	Artifacts      []byte     // Serialized handler output (if any)
}

// Terminal reports whether the run has reached a terminal status.
func (r *JobRun) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed || r.Status == RunStatusSkipped
}

// RunOutcome carries the one-shot terminal transition applied to a run.
type RunOutcome struct {
	Status    RunStatus
	ExitCode  *int
	Error     string
	Artifacts []byte
}

// JobGroup is a named collection of jobs sharing a parallel/sequential
// constraint. JobIDs holds the original members in declaration order; retry
// jobs reference the group via Job.GroupID but are not listed here.
type JobGroup struct {
	ID         string
	Mode       GroupMode
	JobIDs     []string
	Status     GroupStatus
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Reservation represents a persisted next-slot reservation. At most one
// reservation may be ACTIVE at a time.
type Reservation struct {
	ID         string
	Status     ReservationStatus
	CreatedAt  time.Time
	ReleasedAt *time.Time
}

// Stats holds cumulative scheduler counters derived from the store.
type Stats struct {
	Total     int // Jobs ever created
	Succeeded int // Runs that COMPLETED
	Failed    int // Runs that FAILED
	Cancelled int // Jobs cancelled before dispatch
	Skipped   int // Runs that SKIPPED
}

// SchedulerStatus is a point-in-time snapshot of the scheduler.
type SchedulerStatus struct {
	Running              bool
	CurrentJobID         string
	QueueLength          int
	Stats                Stats
	HasActiveReservation bool
}
