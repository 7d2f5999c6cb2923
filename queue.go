package jobsched

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// JobSpec describes one job to enqueue.
type JobSpec struct {
	Type     string
	Params   []byte
	Priority int
}

// QueueManager maintains the deterministic ordering over QUEUED jobs and is
// the write path for everything a job owner may do before dispatch: insert,
// cancel, reorder, reprioritize. The persisted store is the only source of
// truth; the manager holds no queue state of its own.
type QueueManager struct {
	store    Store
	registry *HandlerRegistry
	logger   *slog.Logger
	notifyCh chan struct{}
}

// NewQueueManager creates a QueueManager on top of the given store.
// Enqueue rejects job types with no handler in the registry.
func NewQueueManager(store Store, registry *HandlerRegistry, logger *slog.Logger) *QueueManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueManager{
		store:    store,
		registry: registry,
		logger:   logger,
		notifyCh: make(chan struct{}, 1), // buffered for non-blocking notify
	}
}

// Notify returns the channel signalled whenever a job may have become
// claimable. The dispatcher selects on it.
func (m *QueueManager) Notify() <-chan struct{} {
	return m.notifyCh
}

func (m *QueueManager) notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
		// Notification already pending
	}
}

// Enqueue creates a new QUEUED job and returns its ID and queue position.
func (m *QueueManager) Enqueue(ctx context.Context, spec JobSpec) (string, int64, error) {
	if spec.Type == "" {
		return "", 0, validationErrorf("type", "job type is required")
	}
	if !m.registry.Has(spec.Type) {
		return "", 0, validationErrorf("type", "no handler registered for job type %q", spec.Type)
	}

	job := &Job{
		ID:       uuid.NewString(),
		Type:     spec.Type,
		Params:   spec.Params,
		Priority: spec.Priority,
		Status:   JobStatusQueued,
	}
	jobID, err := m.store.CreateJob(ctx, job)
	if err != nil {
		m.logger.Debug("Enqueue: store.CreateJob error", "jobType", spec.Type, "error", err)
		return "", 0, err
	}

	created, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return "", 0, err
	}
	m.logger.Debug("Enqueue", "jobID", jobID, "jobType", spec.Type, "priority", spec.Priority, "position", created.Position)

	m.notify()
	return jobID, created.Position, nil
}

// EnqueueRetry creates a retry job for a prior one. The new job copies the
// original's type and params, links the chain via RetryOf, and may carry a
// NotBefore backoff. Used by the RetryController and by manual Retry calls.
func (m *QueueManager) EnqueueRetry(ctx context.Context, original *Job, retry *Job) (string, error) {
	if original == nil || retry == nil {
		return "", validationErrorf("job", "job is nil")
	}
	retry.RetryOf = original.ID
	retry.GroupID = original.GroupID
	retry.Status = JobStatusQueued
	if retry.ID == "" {
		retry.ID = uuid.NewString()
	}

	jobID, err := m.store.CreateJob(ctx, retry)
	if err != nil {
		m.logger.Debug("EnqueueRetry: store.CreateJob error", "retryOf", original.ID, "error", err)
		return "", err
	}
	m.logger.Debug("EnqueueRetry", "jobID", jobID, "retryOf", original.ID, "notBefore", retry.NotBefore)

	m.notify()
	return jobID, nil
}

// EnqueueGroup creates a group and its member jobs. Parallel groups queue
// every member immediately; sequential groups queue the first member and gate
// the rest as PENDING until their predecessors settle.
func (m *QueueManager) EnqueueGroup(ctx context.Context, mode GroupMode, specs []JobSpec) (string, []string, error) {
	if len(specs) == 0 {
		return "", nil, validationErrorf("jobs", "group requires at least one job")
	}
	for _, spec := range specs {
		if spec.Type == "" {
			return "", nil, validationErrorf("type", "job type is required")
		}
		if !m.registry.Has(spec.Type) {
			return "", nil, validationErrorf("type", "no handler registered for job type %q", spec.Type)
		}
	}

	groupID := uuid.NewString()
	jobIDs := make([]string, len(specs))
	jobs := make([]*Job, len(specs))
	for i, spec := range specs {
		status := JobStatusQueued
		if mode == GroupModeSequential && i > 0 {
			status = JobStatusPending
		}
		jobs[i] = &Job{
			ID:       uuid.NewString(),
			Type:     spec.Type,
			Params:   spec.Params,
			Priority: spec.Priority,
			GroupID:  groupID,
			Status:   status,
		}
		jobIDs[i] = jobs[i].ID
	}

	if _, err := m.store.CreateGroup(ctx, &JobGroup{ID: groupID, Mode: mode, JobIDs: jobIDs}); err != nil {
		m.logger.Debug("EnqueueGroup: store.CreateGroup error", "mode", mode, "error", err)
		return "", nil, err
	}
	for _, job := range jobs {
		if _, err := m.store.CreateJob(ctx, job); err != nil {
			m.logger.Debug("EnqueueGroup: store.CreateJob error", "jobID", job.ID, "error", err)
			return "", nil, err
		}
	}
	m.logger.Debug("EnqueueGroup", "groupID", groupID, "mode", mode, "members", len(jobIDs))

	m.notify()
	return groupID, jobIDs, nil
}

// GetJob returns the external view of a job. Internal-only statuses are
// mapped to the fixed external vocabulary.
func (m *QueueManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = job.Status.External()
	return job, nil
}

// ListRuns returns the runs for a job: zero or one, by the strict 1:1 rule.
func (m *QueueManager) ListRuns(ctx context.Context, jobID string) ([]*JobRun, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	run, err := m.store.GetRunForJob(ctx, jobID)
	if errors.Is(err, ErrRunNotFound) {
		return []*JobRun{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*JobRun{run}, nil
}

// UpdateParams replaces the params of a job still awaiting dispatch.
func (m *QueueManager) UpdateParams(ctx context.Context, jobID string, params []byte) (*Job, error) {
	job, err := m.store.UpdateJobParams(ctx, jobID, params)
	if err != nil {
		m.logger.Debug("UpdateParams: error", "jobID", jobID, "error", err)
		return nil, err
	}
	job.Status = job.Status.External()
	return job, nil
}

// UpdatePriority changes the priority of a job still awaiting dispatch.
func (m *QueueManager) UpdatePriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	job, err := m.store.UpdateJobPriority(ctx, jobID, priority)
	if err != nil {
		m.logger.Debug("UpdatePriority: error", "jobID", jobID, "error", err)
		return nil, err
	}
	m.logger.Debug("UpdatePriority", "jobID", jobID, "priority", priority)
	m.notify()
	job.Status = job.Status.External()
	return job, nil
}

// Reorder moves a job still awaiting dispatch to a new position within its
// priority band.
func (m *QueueManager) Reorder(ctx context.Context, jobID string, position int64) (*Job, error) {
	job, err := m.store.ReorderJob(ctx, jobID, position)
	if err != nil {
		m.logger.Debug("Reorder: error", "jobID", jobID, "error", err)
		return nil, err
	}
	m.logger.Debug("Reorder", "jobID", jobID, "position", position)
	m.notify()
	job.Status = job.Status.External()
	return job, nil
}

// Cancel cancels a QUEUED job immediately. A RUNNING job is never preempted:
// the request is accepted as "suppress future retry" and takes effect after
// natural completion.
func (m *QueueManager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.store.CancelJob(ctx, jobID)
	if err != nil {
		m.logger.Debug("Cancel: error", "jobID", jobID, "error", err)
		return nil, err
	}
	m.logger.Debug("Cancel", "jobID", jobID, "status", job.Status, "retrySuppressed", job.RetrySuppressed)
	job.Status = job.Status.External()
	return job, nil
}

// Length counts jobs awaiting dispatch.
func (m *QueueManager) Length(ctx context.Context) (int, error) {
	return m.store.QueueLength(ctx)
}
