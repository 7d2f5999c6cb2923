package jobsched

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// slotGrant tracks one pending next-slot reservation inside the process.
// The persisted Reservation row is the durable half; the grant carries the
// channels the dispatcher and the reserving caller coordinate on.
type slotGrant struct {
	reservationID string
	ready         chan struct{} // closed by the dispatcher when the slot is free
	released      chan struct{} // closed by the caller on release
}

// Dispatcher drives the claim -> execute -> signal loop. It is the only
// component that blocks awaiting job completion. Between jobs it yields to an
// active next-slot reservation; it never interrupts a job already running.
type Dispatcher struct {
	store    Store
	queue    *QueueManager
	executor *Executor
	retry    *RetryController
	webhooks *WebhookService
	groups   *GroupCoordinator
	cfg      *Config
	logger   *slog.Logger

	mu           sync.Mutex
	currentJobID string
	running      bool
	pending      *slotGrant
	stopCh       chan struct{}
	doneCh       chan struct{}
	wakeCh       chan struct{} // nudges the idle loop (reservation requests)
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, queue *QueueManager, executor *Executor, retry *RetryController,
	webhooks *WebhookService, groups *GroupCoordinator, cfg *Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    store,
		queue:    queue,
		executor: executor,
		retry:    retry,
		webhooks: webhooks,
		groups:   groups,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. It returns immediately; jobs execute on
// the loop goroutine, strictly one at a time.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return invalidOpErrorf("start", "dispatcher already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	if max := d.cfg.Concurrency.MaxConcurrent(); max > 1 {
		d.logger.Warn("dispatcher: requested concurrency not implemented, dispatching serially", "requested", max)
	}

	go d.loop(ctx)
	return nil
}

// Stop stops the dispatcher gracefully. A job in flight completes before the
// loop exits; Stop blocks until then.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Snapshot reports whether the loop is active and which job is executing.
func (d *Dispatcher) Snapshot() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running, d.currentJobID
}

// loop continuously claims and executes jobs.
func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// A held reservation defers further claims until release. The grant
		// is only handed out between jobs, so reserved work can never
		// preempt a running one.
		if d.grantPendingSlot() {
			continue
		}

		job, run, err := d.store.ClaimNextJob(ctx, time.Now())
		if err != nil {
			d.logger.Warn("dispatcher: claim failed", "error", err)
			d.idle(ticker)
			continue
		}
		if job == nil {
			d.idle(ticker)
			continue
		}

		d.setCurrent(job.ID)
		d.logger.Debug("dispatcher: claimed job", "jobID", job.ID, "jobType", job.Type, "runID", run.ID)

		finished, err := d.executor.Execute(ctx, job, run)
		d.setCurrent("")
		if err != nil {
			// Store failure while persisting the outcome; the run will be
			// resolved as a crash orphan on the next recovery pass.
			d.logger.Error("dispatcher: execution bookkeeping failed", "jobID", job.ID, "error", err)
			d.idle(ticker)
			continue
		}

		d.settle(ctx, job.ID, finished)
	}
}

// idle blocks until something may have changed: a new/promoted job, a
// reservation request, the poll ticker (which also wakes delayed retries), or
// shutdown.
func (d *Dispatcher) idle(ticker *time.Ticker) {
	select {
	case <-d.stopCh:
	case <-d.queue.Notify():
	case <-d.wakeCh:
	case <-ticker.C:
	}
}

// settle finishes the bookkeeping for a terminal run: retry decision for
// failures, webhook notification for every outcome, then group advancement.
func (d *Dispatcher) settle(ctx context.Context, jobID string, run *JobRun) {
	// Re-read the job: cancellation may have flagged retry suppression while
	// the handler was running.
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Error("dispatcher: settle lookup failed", "jobID", jobID, "error", err)
		return
	}

	if run.Status == RunStatusFailed {
		if _, _, err := d.retry.HandleFailure(ctx, job, run); err != nil {
			d.logger.Error("dispatcher: retry decision failed", "jobID", job.ID, "error", err)
		}
	}

	d.webhooks.Notify(job, run)

	if err := d.groups.OnJobSettled(ctx, job); err != nil {
		d.logger.Error("dispatcher: group advancement failed", "jobID", job.ID, "groupID", job.GroupID, "error", err)
	}
}

func (d *Dispatcher) setCurrent(jobID string) {
	d.mu.Lock()
	d.currentJobID = jobID
	d.mu.Unlock()
}

// requestSlot registers a reservation grant with the loop. The returned ready
// channel closes once the slot is free; the caller closes released when done.
func (d *Dispatcher) requestSlot(reservationID string) (*slotGrant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != nil {
		return nil, ErrReservationHeld
	}
	grant := &slotGrant{
		reservationID: reservationID,
		ready:         make(chan struct{}),
		released:      make(chan struct{}),
	}
	d.pending = grant

	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
	return grant, nil
}

// abandonSlot withdraws a grant whose caller gave up before the slot opened.
func (d *Dispatcher) abandonSlot(grant *slotGrant) {
	d.mu.Lock()
	if d.pending == grant {
		d.pending = nil
	}
	d.mu.Unlock()
}

// grantPendingSlot hands the next slot to a waiting reservation and blocks
// until it is released. Returns true when a grant was serviced.
func (d *Dispatcher) grantPendingSlot() bool {
	d.mu.Lock()
	grant := d.pending
	d.mu.Unlock()
	if grant == nil {
		return false
	}

	d.logger.Debug("dispatcher: granting reserved slot", "reservationID", grant.reservationID)
	close(grant.ready)

	select {
	case <-grant.released:
	case <-d.stopCh:
	}

	d.mu.Lock()
	if d.pending == grant {
		d.pending = nil
	}
	d.mu.Unlock()
	d.logger.Debug("dispatcher: reserved slot released", "reservationID", grant.reservationID)
	return true
}
