package jobsched

import (
	"context"
	"log/slog"
	"sync"
)

// Scheduler is the top-level facade: it owns the queue, the dispatch loop,
// retry and webhook handling, group coordination and direct execution, all
// backed by a single Store. Construct with NewScheduler, register handlers,
// then Start.
type Scheduler struct {
	store    Store
	cfg      *Config
	logger   *slog.Logger
	registry *HandlerRegistry
	queue    *QueueManager
	executor *Executor
	retry    *RetryController
	webhooks *WebhookService
	groups   *GroupCoordinator
	dispatch *Dispatcher
	direct   *DirectExecutionHandler

	mu      sync.Mutex
	started bool
}

// NewScheduler creates a Scheduler on top of a store. A nil cfg uses the
// defaults; a nil logger uses slog.Default.
func NewScheduler(store Store, cfg *Config, logger *slog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewHandlerRegistry()
	queue := NewQueueManager(store, registry, logger)
	executor := NewExecutor(store, registry, logger)
	retry := NewRetryController(store, queue, cfg, logger)
	webhooks := NewWebhookService(cfg, logger)
	groups := NewGroupCoordinator(store, logger, queue.notify)
	dispatch := NewDispatcher(store, queue, executor, retry, webhooks, groups, cfg, logger)
	direct := NewDirectExecutionHandler(store, dispatch, queue, logger)

	return &Scheduler{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		queue:    queue,
		executor: executor,
		retry:    retry,
		webhooks: webhooks,
		groups:   groups,
		dispatch: dispatch,
		direct:   direct,
	}
}

// Register binds a job type to its work handler. Call before Start.
func (s *Scheduler) Register(jobType string, handler WorkHandler) error {
	return s.registry.Register(jobType, handler)
}

// Start recovers state left by an unclean shutdown, then launches the
// dispatch loop. Recovery runs before any claim so orphaned work is resolved
// exactly once.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return invalidOpErrorf("start", "scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	s.webhooks.reopen()
	if err := s.recover(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	if err := s.dispatch.Start(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("scheduler started", "types", s.registry.Types())
	return nil
}

// Stop shuts the scheduler down gracefully: the running job (if any)
// completes, then the loop exits and pending webhook deliveries are cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.dispatch.Stop()
	s.webhooks.Close()
	s.logger.Debug("scheduler stopped")
}

// recover resolves crash leftovers: stale reservations are expired and every
// orphaned run is finished FAILED and fed through the normal failure path
// (retry decision, webhook, group advancement).
func (s *Scheduler) recover(ctx context.Context) error {
	expired, err := s.store.ExpireActiveReservations(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.logger.Warn("recovery: expired stale reservations", "count", expired)
	}

	orphans, err := s.store.RecoverOrphans(ctx, crashRecoveryError)
	if err != nil {
		return err
	}
	for _, run := range orphans {
		s.logger.Warn("recovery: orphaned run failed", "runID", run.ID, "jobID", run.JobID)

		job, err := s.store.GetJob(ctx, run.JobID)
		if err != nil {
			s.logger.Error("recovery: orphan job lookup failed", "jobID", run.JobID, "error", err)
			continue
		}
		if _, _, err := s.retry.HandleFailure(ctx, job, run); err != nil {
			s.logger.Error("recovery: retry decision failed", "jobID", job.ID, "error", err)
		}
		s.webhooks.Notify(job, run)
		if err := s.groups.OnJobSettled(ctx, job); err != nil {
			s.logger.Error("recovery: group advancement failed", "jobID", job.ID, "groupID", job.GroupID, "error", err)
		}
	}
	return nil
}

// Enqueue adds a job to the queue and returns its ID and position.
func (s *Scheduler) Enqueue(ctx context.Context, spec JobSpec) (string, int64, error) {
	return s.queue.Enqueue(ctx, spec)
}

// EnqueueGroup atomically enqueues a set of jobs as a group. Returns the
// group ID and the member job IDs in submission order.
func (s *Scheduler) EnqueueGroup(ctx context.Context, mode GroupMode, specs []JobSpec) (string, []string, error) {
	return s.queue.EnqueueGroup(ctx, mode, specs)
}

// GetJob returns a job with its externally visible status.
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.queue.GetJob(ctx, jobID)
}

// GetGroup returns a job group.
func (s *Scheduler) GetGroup(ctx context.Context, groupID string) (*JobGroup, error) {
	return s.store.GetGroup(ctx, groupID)
}

// ListRuns returns the runs of a job: empty before dispatch, one after.
func (s *Scheduler) ListRuns(ctx context.Context, jobID string) ([]*JobRun, error) {
	return s.queue.ListRuns(ctx, jobID)
}

// UpdateParams replaces a queued job's params.
func (s *Scheduler) UpdateParams(ctx context.Context, jobID string, params []byte) (*Job, error) {
	return s.queue.UpdateParams(ctx, jobID, params)
}

// UpdatePriority changes a queued job's priority.
func (s *Scheduler) UpdatePriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	return s.queue.UpdatePriority(ctx, jobID, priority)
}

// Reorder moves a queued job within its priority band.
func (s *Scheduler) Reorder(ctx context.Context, jobID string, position int64) (*Job, error) {
	return s.queue.Reorder(ctx, jobID, position)
}

// Cancel cancels a job. Queued jobs leave the queue immediately; a running
// job finishes its current attempt but will not retry. Cancelling a group
// member counts as that member settling: successors may be promoted and the
// aggregate may close.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.queue.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.GroupID != "" {
		if err := s.groups.OnJobSettled(ctx, job); err != nil {
			s.logger.Error("cancel: group advancement failed", "jobID", job.ID, "groupID", job.GroupID, "error", err)
		}
	}
	return job, nil
}

// Retry manually re-enqueues the work behind a FAILED run, bypassing the
// automatic retry cap.
func (s *Scheduler) Retry(ctx context.Context, runID string) (string, error) {
	return s.retry.ManualRetry(ctx, runID)
}

// ReserveNextSlot reserves the next free execution slot for direct work.
func (s *Scheduler) ReserveNextSlot(ctx context.Context) (string, error) {
	return s.direct.ReserveNextSlot(ctx)
}

// ReleaseNextSlot releases a held execution slot.
func (s *Scheduler) ReleaseNextSlot(ctx context.Context) error {
	return s.direct.ReleaseNextSlot(ctx)
}

// RunExclusive reserves the next slot, runs fn, and releases the slot.
func (s *Scheduler) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.direct.RunExclusive(ctx, fn)
}

// Status reports the scheduler's current state.
func (s *Scheduler) Status(ctx context.Context) (*SchedulerStatus, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}

	running, currentJobID := s.dispatch.Snapshot()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	length, err := s.store.QueueLength(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.store.ActiveReservation(ctx)
	if err != nil {
		return nil, err
	}

	return &SchedulerStatus{
		Running:              running,
		CurrentJobID:         currentJobID,
		QueueLength:          length,
		Stats:                *stats,
		HasActiveReservation: res != nil,
	}, nil
}
