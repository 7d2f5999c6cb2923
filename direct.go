package jobsched

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirectExecutionHandler lets a caller borrow the scheduler's execution slot
// for work that must run outside the queue, without ever preempting a job.
// ReserveNextSlot persists a Reservation and blocks until the dispatcher is
// between jobs; the slot stays closed to queued work until ReleaseNextSlot.
// The reservation survives in the store, so a crash while a slot is held is
// cleaned up by recovery rather than deadlocking the queue forever.
type DirectExecutionHandler struct {
	store      Store
	dispatcher *Dispatcher
	queue      *QueueManager
	logger     *slog.Logger

	mu   sync.Mutex
	held *slotGrant
}

// NewDirectExecutionHandler creates a DirectExecutionHandler.
func NewDirectExecutionHandler(store Store, dispatcher *Dispatcher, queue *QueueManager, logger *slog.Logger) *DirectExecutionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirectExecutionHandler{store: store, dispatcher: dispatcher, queue: queue, logger: logger}
}

// ReserveNextSlot reserves the next free execution slot and blocks until the
// dispatcher grants it (the running job, if any, finishes first). Returns the
// reservation ID. Only one reservation may be ACTIVE at a time; a second
// caller gets ErrReservationHeld. On context cancellation the reservation is
// expired and the slot request withdrawn.
func (h *DirectExecutionHandler) ReserveNextSlot(ctx context.Context) (string, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return "", err
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		Status:    ReservationStatusActive,
		CreatedAt: time.Now(),
	}
	resID, err := h.store.CreateReservation(ctx, res)
	if err != nil {
		return "", err
	}

	grant, err := h.dispatcher.requestSlot(resID)
	if err != nil {
		// Durable and in-process views disagree; release the row we created.
		if expireErr := h.store.ExpireReservation(ctx, resID); expireErr != nil {
			h.logger.Error("ReserveNextSlot: failed to expire orphaned reservation", "reservationID", resID, "error", expireErr)
		}
		return "", err
	}

	h.logger.Debug("ReserveNextSlot: waiting for slot", "reservationID", resID)
	select {
	case <-grant.ready:
	case <-ctx.Done():
		h.dispatcher.abandonSlot(grant)
		if expireErr := h.store.ExpireReservation(context.Background(), resID); expireErr != nil {
			h.logger.Error("ReserveNextSlot: failed to expire abandoned reservation", "reservationID", resID, "error", expireErr)
		}
		return "", ctx.Err()
	}

	h.mu.Lock()
	h.held = grant
	h.mu.Unlock()

	h.logger.Debug("ReserveNextSlot: slot granted", "reservationID", resID)
	return resID, nil
}

// ReleaseNextSlot releases the held slot: the reservation is expired and the
// dispatcher resumes claiming queued jobs. Releasing when nothing is held is
// an InvalidOperationError.
func (h *DirectExecutionHandler) ReleaseNextSlot(ctx context.Context) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	grant := h.held
	h.held = nil
	h.mu.Unlock()
	if grant == nil {
		return invalidOpErrorf("release", "no slot reservation is held")
	}

	if err := h.store.ExpireReservation(ctx, grant.reservationID); err != nil {
		return err
	}
	close(grant.released)
	h.queue.notify()
	h.logger.Debug("ReleaseNextSlot: slot released", "reservationID", grant.reservationID)
	return nil
}

// RunExclusive is the reserve/work/release sequence in one call. The slot is
// released even when fn fails or panics.
func (h *DirectExecutionHandler) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return validationErrorf("fn", "work function is required")
	}

	resID, err := h.ReserveNextSlot(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := h.ReleaseNextSlot(context.Background()); releaseErr != nil {
			h.logger.Error("RunExclusive: release failed", "reservationID", resID, "error", releaseErr)
		}
	}()

	return fn(ctx)
}
