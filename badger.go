package jobsched

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore implements the Store interface using BadgerDB. It provides
// high-performance key-value storage and is suitable for embedded deployments
// without CGO.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store. The database directory will be
// created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// Fixed delay, no jitter, so tests stay deterministic.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob    = "job:"
	keyPrefixRun    = "run:"
	keyPrefixRunJob = "runjob:" // jobID -> runID
	keyPrefixGroup  = "group:"
	keyPrefixRes    = "res:"
	keyPrefixQueued = "idx:queued:" // claim-order index over QUEUED jobs
	keyPrefixLive   = "idx:live:"   // claimed jobs without a terminal run
	keyActiveRes    = "idx:res-active"
	keyPositionSeq  = "seq:position"
)

func jobKey(jobID string) []byte        { return []byte(keyPrefixJob + jobID) }
func runKey(runID string) []byte        { return []byte(keyPrefixRun + runID) }
func runJobKey(jobID string) []byte     { return []byte(keyPrefixRunJob + jobID) }
func groupKey(groupID string) []byte    { return []byte(keyPrefixGroup + groupID) }
func reservationKey(resID string) []byte { return []byte(keyPrefixRes + resID) }
func liveIndexKey(jobID string) []byte  { return []byte(keyPrefixLive + jobID) }

// queuedIndexKey encodes the claim order into the key so a forward iteration
// over the prefix visits jobs in dispatch order: priority DESC (stored
// inverted), position ASC, created_at ASC.
func queuedIndexKey(job *Job) []byte {
	key := make([]byte, 0, len(keyPrefixQueued)+24+len(job.ID))
	key = append(key, []byte(keyPrefixQueued)...)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(math.MaxInt64-int64(job.Priority)))
	key = append(key, buf...)
	binary.BigEndian.PutUint64(buf, uint64(job.Position))
	key = append(key, buf...)
	binary.BigEndian.PutUint64(buf, uint64(job.CreatedAt.UnixNano()))
	key = append(key, buf...)

	key = append(key, []byte(job.ID)...)
	return key
}

func getJSON(txn *badger.Txn, key []byte, out interface{}, notFound error) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return notFound
	}
	if err != nil {
		return err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func setJSON(txn *badger.Txn, key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// nextPosition increments and returns the position sequence inside the
// transaction, so position assignment commits atomically with the job.
func nextPosition(txn *badger.Txn) (int64, error) {
	var current uint64
	item, err := txn.Get([]byte(keyPositionSeq))
	if err == nil {
		data, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		current = binary.BigEndian.Uint64(data)
	} else if err != badger.ErrKeyNotFound {
		return 0, err
	}

	current++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, current)
	if err := txn.Set([]byte(keyPositionSeq), buf); err != nil {
		return 0, err
	}
	return int64(current), nil
}

// CreateJob persists a new job with a store-assigned position.
func (b *BadgerStore) CreateJob(ctx context.Context, job *Job) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateNewJob(job); err != nil {
		return "", err
	}

	prepared := prepareJobForCreate(job, time.Now())

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := txn.Get(jobKey(prepared.ID)); err == nil {
			return validationErrorf("id", "job already exists: %s", prepared.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		position, err := nextPosition(txn)
		if err != nil {
			return err
		}
		prepared.Position = position

		if err := setJSON(txn, jobKey(prepared.ID), prepared); err != nil {
			return err
		}
		if prepared.Status == JobStatusQueued {
			return txn.Set(queuedIndexKey(prepared), []byte(prepared.ID))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	b.logger.Debug("CreateJob: persisted", "jobID", prepared.ID, "status", prepared.Status, "position", prepared.Position)
	return prepared.ID, nil
}

// GetJob retrieves a job by ID.
func (b *BadgerStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	var job Job
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(jobID), &job, ErrJobNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListQueuedJobs returns all QUEUED jobs in claim order.
func (b *BadgerStore) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	queued := make([]*Job, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixQueued)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixQueued)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}

			var job Job
			if err := getJSON(txn, jobKey(string(jobIDBytes)), &job, ErrJobNotFound); err != nil {
				continue
			}
			if job.Status != JobStatusQueued {
				continue
			}
			queued = append(queued, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queued, nil
}

// ClaimNextJob atomically claims the highest-ordered due job. The status
// transition, index maintenance and run creation all commit in one
// transaction; a conflicting claimer hits badger.ErrConflict and retries
// against the updated index.
func (b *BadgerStore) ClaimNextJob(ctx context.Context, now time.Time) (*Job, *JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, nil, err
	}

	var claimed *Job
	var run *JobRun
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		claimed, run = nil, nil

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixQueued)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(keyPrefixQueued)); it.Valid(); it.Next() {
			item := it.Item()
			jobIDBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			var job Job
			if err := getJSON(txn, jobKey(string(jobIDBytes)), &job, ErrJobNotFound); err != nil {
				// Dangling index entry; drop it and keep scanning.
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}
			if job.Status != JobStatusQueued {
				_ = txn.Delete(item.KeyCopy(nil))
				continue
			}
			if !claimable(&job, now) {
				continue
			}

			job.Status = JobStatusDispatched
			started := now
			job.StartedAt = &started
			job.Status = JobStatusRunning

			if err := setJSON(txn, jobKey(job.ID), &job); err != nil {
				return err
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			if err := txn.Set(liveIndexKey(job.ID), []byte(job.ID)); err != nil {
				return err
			}

			newRun := &JobRun{
				ID:             uuid.NewString(),
				JobID:          job.ID,
				ParamsSnapshot: copyBytes(job.Params),
				StartedAt:      started,
			}
			if err := setJSON(txn, runKey(newRun.ID), newRun); err != nil {
				return err
			}
			if err := txn.Set(runJobKey(job.ID), []byte(newRun.ID)); err != nil {
				return err
			}

			claimed = &job
			run = newRun
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if claimed == nil {
		return nil, nil, nil
	}

	b.logger.Debug("ClaimNextJob: claimed", "jobID", claimed.ID, "runID", run.ID, "priority", claimed.Priority, "position", claimed.Position)
	return claimed, run, nil
}

// UpdateJobParams replaces the params of a job still awaiting dispatch.
func (b *BadgerStore) UpdateJobParams(ctx context.Context, jobID string, params []byte) (*Job, error) {
	return b.mutateQueuedJob(ctx, "update_params", jobID, func(job *Job) {
		job.Params = copyBytes(params)
	})
}

// UpdateJobPriority changes the priority of a job still awaiting dispatch.
func (b *BadgerStore) UpdateJobPriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	return b.mutateQueuedJob(ctx, "update_priority", jobID, func(job *Job) {
		job.Priority = priority
	})
}

// ReorderJob moves a job still awaiting dispatch to a new position.
func (b *BadgerStore) ReorderJob(ctx context.Context, jobID string, position int64) (*Job, error) {
	return b.mutateQueuedJob(ctx, "reorder", jobID, func(job *Job) {
		job.Position = position
	})
}

// mutateQueuedJob applies a mutation to a job still awaiting dispatch.
func (b *BadgerStore) mutateQueuedJob(ctx context.Context, op, jobID string, mutate func(*Job)) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	var updated Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var job Job
		if err := getJSON(txn, jobKey(jobID), &job, ErrJobNotFound); err != nil {
			return err
		}
		if job.Status != JobStatusQueued && job.Status != JobStatusPending {
			return invalidOpErrorf(op, "job %s is %s, not %s", jobID, job.Status.External(), JobStatusQueued)
		}

		// PENDING jobs have no claim index entry; only QUEUED ones need the
		// index rewritten, since priority and position are part of the key.
		if job.Status == JobStatusQueued {
			if err := txn.Delete(queuedIndexKey(&job)); err != nil {
				return err
			}
		}
		mutate(&job)
		if err := setJSON(txn, jobKey(jobID), &job); err != nil {
			return err
		}
		if job.Status == JobStatusQueued {
			if err := txn.Set(queuedIndexKey(&job), []byte(jobID)); err != nil {
				return err
			}
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// CancelJob cancels a QUEUED/PENDING job, or suppresses future retries of a
// RUNNING one.
func (b *BadgerStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	var updated Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var job Job
		if err := getJSON(txn, jobKey(jobID), &job, ErrJobNotFound); err != nil {
			return err
		}

		switch job.Status {
		case JobStatusQueued:
			if err := txn.Delete(queuedIndexKey(&job)); err != nil {
				return err
			}
			now := time.Now()
			job.Status = JobStatusCancelled
			job.FinishedAt = &now
		case JobStatusPending:
			now := time.Now()
			job.Status = JobStatusCancelled
			job.FinishedAt = &now
		case JobStatusRunning:
			if job.FinishedAt != nil {
				return invalidOpErrorf("cancel", "job %s already finished", jobID)
			}
			job.RetrySuppressed = true
		default:
			return invalidOpErrorf("cancel", "job %s is %s", jobID, job.Status)
		}

		if err := setJSON(txn, jobKey(jobID), &job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// PromoteJob transitions a PENDING job to QUEUED.
func (b *BadgerStore) PromoteJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var updated Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var job Job
		if err := getJSON(txn, jobKey(jobID), &job, ErrJobNotFound); err != nil {
			return err
		}
		if job.Status != JobStatusPending {
			return invalidOpErrorf("promote", "job %s is %s, not %s", jobID, job.Status, JobStatusPending)
		}

		now := time.Now()
		job.Status = JobStatusQueued
		job.QueuedAt = &now
		if err := setJSON(txn, jobKey(jobID), &job); err != nil {
			return err
		}
		if err := txn.Set(queuedIndexKey(&job), []byte(jobID)); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// MarkChainExhausted flags a job whose retry chain gave up automatically.
func (b *BadgerStore) MarkChainExhausted(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var job Job
		if err := getJSON(txn, jobKey(jobID), &job, ErrJobNotFound); err != nil {
			return err
		}
		job.ChainExhausted = true
		return setJSON(txn, jobKey(jobID), &job)
	})
}

// GetRun retrieves a run by ID.
func (b *BadgerStore) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, validationErrorf("id", "run ID is required")
	}

	var run JobRun
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(runID), &run, ErrRunNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunForJob retrieves the single run owned by a job.
func (b *BadgerStore) GetRunForJob(ctx context.Context, jobID string) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var run JobRun
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runJobKey(jobID))
		if err == badger.ErrKeyNotFound {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		runIDBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, runKey(string(runIDBytes)), &run, ErrRunNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishRun applies the one-shot terminal transition to a run.
func (b *BadgerStore) FinishRun(ctx context.Context, runID string, outcome RunOutcome) (*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateOutcome(outcome); err != nil {
		return nil, err
	}

	var finished JobRun
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		var run JobRun
		if err := getJSON(txn, runKey(runID), &run, ErrRunNotFound); err != nil {
			return err
		}
		if run.Terminal() {
			return invalidOpErrorf("finish_run", "run %s already terminal (%s)", runID, run.Status)
		}

		now := time.Now()
		applyOutcome(&run, outcome, now)
		if err := setJSON(txn, runKey(runID), &run); err != nil {
			return err
		}

		var job Job
		if err := getJSON(txn, jobKey(run.JobID), &job, ErrJobNotFound); err == nil {
			if job.FinishedAt == nil {
				job.FinishedAt = &now
				if err := setJSON(txn, jobKey(job.ID), &job); err != nil {
					return err
				}
			}
		}
		if err := txn.Delete(liveIndexKey(run.JobID)); err != nil {
			return err
		}

		finished = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &finished, nil
}

// CreateGroup persists a new job group.
func (b *BadgerStore) CreateGroup(ctx context.Context, group *JobGroup) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if group == nil {
		return "", validationErrorf("group", "group is nil")
	}
	if group.ID == "" {
		return "", validationErrorf("id", "group ID is required")
	}
	if group.Mode != GroupModeParallel && group.Mode != GroupModeSequential {
		return "", validationErrorf("mode", "unknown group mode %q", group.Mode)
	}

	stored := cloneGroup(group)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Status = GroupStatusRunning
	stored.FinishedAt = nil

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(groupKey(stored.ID)); err == nil {
			return validationErrorf("id", "group already exists: %s", stored.ID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return setJSON(txn, groupKey(stored.ID), stored)
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// GetGroup retrieves a group by ID.
func (b *BadgerStore) GetGroup(ctx context.Context, groupID string) (*JobGroup, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var group JobGroup
	err = b.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, groupKey(groupID), &group, ErrGroupNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// ListGroupJobs returns every job referencing the group, retries included.
func (b *BadgerStore) ListGroupJobs(ctx context.Context, groupID string) ([]*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.GroupID == groupID {
				jobs = append(jobs, &job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// UpdateGroupStatus sets a group's aggregate status.
func (b *BadgerStore) UpdateGroupStatus(ctx context.Context, groupID string, status GroupStatus) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var group JobGroup
		if err := getJSON(txn, groupKey(groupID), &group, ErrGroupNotFound); err != nil {
			return err
		}
		group.Status = status
		if status != GroupStatusRunning && group.FinishedAt == nil {
			now := time.Now()
			group.FinishedAt = &now
		}
		return setJSON(txn, groupKey(groupID), &group)
	})
}

// CreateReservation persists a new ACTIVE reservation. The singleton active
// marker enforces at most one ACTIVE reservation at a time.
func (b *BadgerStore) CreateReservation(ctx context.Context, res *Reservation) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}
	if res == nil {
		return "", validationErrorf("reservation", "reservation is nil")
	}

	stored := cloneReservation(res)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Status = ReservationStatusActive
	stored.ReleasedAt = nil

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(keyActiveRes)); err == nil {
			return ErrReservationHeld
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setJSON(txn, reservationKey(stored.ID), stored); err != nil {
			return err
		}
		return txn.Set([]byte(keyActiveRes), []byte(stored.ID))
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// ActiveReservation returns the ACTIVE reservation, if any.
func (b *BadgerStore) ActiveReservation(ctx context.Context) (*Reservation, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var res *Reservation
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyActiveRes))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		resIDBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		var r Reservation
		missing := fmt.Errorf("reservation record missing: %s", string(resIDBytes))
		if err := getJSON(txn, reservationKey(string(resIDBytes)), &r, missing); err != nil {
			return err
		}
		res = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireReservation transitions a reservation to EXPIRED.
func (b *BadgerStore) ExpireReservation(ctx context.Context, resID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		var res Reservation
		err := getJSON(txn, reservationKey(resID), &res,
			invalidOpErrorf("expire_reservation", "reservation %s not found", resID))
		if err != nil {
			return err
		}
		if res.Status == ReservationStatusExpired {
			return nil
		}

		now := time.Now()
		res.Status = ReservationStatusExpired
		res.ReleasedAt = &now
		if err := setJSON(txn, reservationKey(resID), &res); err != nil {
			return err
		}
		return txn.Delete([]byte(keyActiveRes))
	})
}

// RecoverOrphans synthesizes FAILED runs for jobs orphaned by a crash. The
// live index names every claimed job without a terminal run, so the scan is
// bounded by orphan count, not table size.
func (b *BadgerStore) RecoverOrphans(ctx context.Context, errorMsg string) ([]*JobRun, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	recovered := make([]*JobRun, 0)
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		recovered = recovered[:0]
		now := time.Now()

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixLive)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)

		type orphan struct {
			indexKey []byte
			jobID    string
		}
		orphans := make([]orphan, 0)
		for it.Rewind(); it.Valid(); it.Next() {
			jobIDBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			orphans = append(orphans, orphan{indexKey: it.Item().KeyCopy(nil), jobID: string(jobIDBytes)})
		}
		it.Close()

		for _, o := range orphans {
			var job Job
			if err := getJSON(txn, jobKey(o.jobID), &job, ErrJobNotFound); err != nil {
				_ = txn.Delete(o.indexKey)
				continue
			}
			if job.Status != JobStatusRunning && job.Status != JobStatusDispatched {
				_ = txn.Delete(o.indexKey)
				continue
			}

			var run JobRun
			hasRun := true
			runItem, err := txn.Get(runJobKey(o.jobID))
			if err == badger.ErrKeyNotFound {
				hasRun = false
			} else if err != nil {
				return err
			} else {
				runIDBytes, err := runItem.ValueCopy(nil)
				if err != nil {
					return err
				}
				if err := getJSON(txn, runKey(string(runIDBytes)), &run, ErrRunNotFound); err != nil {
					hasRun = false
				}
			}
			if hasRun && run.Terminal() {
				_ = txn.Delete(o.indexKey)
				continue
			}

			if !hasRun {
				// Crash landed between claim and run creation; synthesize
				// both halves so the orphan stays inspectable.
				run = JobRun{
					ID:             uuid.NewString(),
					JobID:          job.ID,
					ParamsSnapshot: copyBytes(job.Params),
					StartedAt:      now,
				}
				if err := txn.Set(runJobKey(job.ID), []byte(run.ID)); err != nil {
					return err
				}
			}

			applyOutcome(&run, RunOutcome{Status: RunStatusFailed, Error: errorMsg}, now)
			if err := setJSON(txn, runKey(run.ID), &run); err != nil {
				return err
			}

			job.Status = JobStatusRunning
			if job.FinishedAt == nil {
				job.FinishedAt = &now
			}
			if err := setJSON(txn, jobKey(job.ID), &job); err != nil {
				return err
			}
			if err := txn.Delete(o.indexKey); err != nil {
				return err
			}

			runCopy := run
			recovered = append(recovered, &runCopy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recovered, func(i, j int) bool { return recovered[i].JobID < recovered[j].JobID })
	if len(recovered) > 0 {
		b.logger.Debug("RecoverOrphans: recovered", "count", len(recovered))
	}
	return recovered, nil
}

// ExpireActiveReservations force-expires any ACTIVE reservation.
func (b *BadgerStore) ExpireActiveReservations(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	expired := 0
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		expired = 0
		item, err := txn.Get([]byte(keyActiveRes))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		resIDBytes, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		var res Reservation
		missing := fmt.Errorf("reservation record missing: %s", string(resIDBytes))
		if err := getJSON(txn, reservationKey(string(resIDBytes)), &res, missing); err != nil {
			return err
		}
		if res.Status == ReservationStatusActive {
			now := time.Now()
			res.Status = ReservationStatusExpired
			res.ReleasedAt = &now
			if err := setJSON(txn, reservationKey(res.ID), &res); err != nil {
				return err
			}
			expired++
		}
		return txn.Delete([]byte(keyActiveRes))
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// Stats returns cumulative counters over all jobs and runs.
func (b *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &Stats{}
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			stats.Total++
			if job.Status == JobStatusCancelled {
				stats.Cancelled++
			}
		}
		it.Close()

		opts = badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixRun)
		opts.PrefetchValues = true

		it = txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var run JobRun
			if err := json.Unmarshal(data, &run); err != nil {
				continue
			}
			switch run.Status {
			case RunStatusCompleted:
				stats.Succeeded++
			case RunStatusFailed:
				stats.Failed++
			case RunStatusSkipped:
				stats.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// QueueLength counts jobs whose external status is QUEUED.
func (b *BadgerStore) QueueLength(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	length := 0
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			if job.Status == JobStatusQueued || job.Status == JobStatusPending {
				length++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return length, nil
}
