package jobsched

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements the Store interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryStore struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	runs         map[string]*JobRun
	runByJob     map[string]string // jobID -> runID
	groups       map[string]*JobGroup
	reservations map[string]*Reservation
	nextPosition int64
	closed       bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:         make(map[string]*Job),
		runs:         make(map[string]*JobRun),
		runByJob:     make(map[string]string),
		groups:       make(map[string]*JobGroup),
		reservations: make(map[string]*Reservation),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// CreateJob persists a new job with a store-assigned position.
func (s *InMemoryStore) CreateJob(ctx context.Context, job *Job) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	if err := validateNewJob(job); err != nil {
		return "", err
	}

	now := time.Now()
	prepared := prepareJobForCreate(job, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}
	if _, exists := s.jobs[prepared.ID]; exists {
		return "", validationErrorf("id", "job already exists: %s", prepared.ID)
	}

	s.nextPosition++
	prepared.Position = s.nextPosition
	s.jobs[prepared.ID] = prepared
	return prepared.ID, nil
}

// GetJob retrieves a job by ID.
func (s *InMemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListQueuedJobs returns all QUEUED jobs in claim order.
func (s *InMemoryStore) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	queued := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == JobStatusQueued {
			queued = append(queued, cloneJob(job))
		}
	}
	sort.Slice(queued, func(i, j int) bool { return claimLess(queued[i], queued[j]) })
	return queued, nil
}

// ClaimNextJob atomically claims the highest-ordered due job. The whole
// claim happens under one lock acquisition, so concurrent claimers can never
// win the same job.
func (s *InMemoryStore) ClaimNextJob(ctx context.Context, now time.Time) (*Job, *JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, nil, err
	}

	var next *Job
	for _, job := range s.jobs {
		if !claimable(job, now) {
			continue
		}
		if next == nil || claimLess(job, next) {
			next = job
		}
	}
	if next == nil {
		return nil, nil, nil
	}

	// Compare-and-transition: QUEUED -> DISPATCHED -> RUNNING plus run
	// creation, all under the same lock. DISPATCHED never escapes.
	next.Status = JobStatusDispatched
	started := now
	next.StartedAt = &started
	next.Status = JobStatusRunning

	run := &JobRun{
		ID:             uuid.NewString(),
		JobID:          next.ID,
		ParamsSnapshot: copyBytes(next.Params),
		StartedAt:      started,
	}
	s.runs[run.ID] = run
	s.runByJob[next.ID] = run.ID

	return cloneJob(next), cloneRun(run), nil
}

// UpdateJobParams replaces the params of a job still awaiting dispatch.
func (s *InMemoryStore) UpdateJobParams(ctx context.Context, jobID string, params []byte) (*Job, error) {
	return s.mutateQueuedJob(ctx, "update_params", jobID, func(job *Job) {
		job.Params = copyBytes(params)
	})
}

// UpdateJobPriority changes the priority of a job still awaiting dispatch.
func (s *InMemoryStore) UpdateJobPriority(ctx context.Context, jobID string, priority int) (*Job, error) {
	return s.mutateQueuedJob(ctx, "update_priority", jobID, func(job *Job) {
		job.Priority = priority
	})
}

// ReorderJob moves a job still awaiting dispatch to a new position.
func (s *InMemoryStore) ReorderJob(ctx context.Context, jobID string, position int64) (*Job, error) {
	return s.mutateQueuedJob(ctx, "reorder", jobID, func(job *Job) {
		job.Position = position
	})
}

func (s *InMemoryStore) mutateQueuedJob(ctx context.Context, op, jobID string, mutate func(*Job)) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != JobStatusQueued && job.Status != JobStatusPending {
		return nil, invalidOpErrorf(op, "job %s is %s, not %s", jobID, job.Status.External(), JobStatusQueued)
	}
	mutate(job)
	return cloneJob(job), nil
}

// CancelJob cancels a QUEUED/PENDING job, or suppresses future retries of a
// RUNNING one.
func (s *InMemoryStore) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, validationErrorf("id", "job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}

	switch job.Status {
	case JobStatusQueued, JobStatusPending:
		now := time.Now()
		job.Status = JobStatusCancelled
		job.FinishedAt = &now
	case JobStatusRunning:
		if job.FinishedAt != nil {
			return nil, invalidOpErrorf("cancel", "job %s already finished", jobID)
		}
		job.RetrySuppressed = true
	default:
		return nil, invalidOpErrorf("cancel", "job %s is %s", jobID, job.Status)
	}
	return cloneJob(job), nil
}

// PromoteJob transitions a PENDING job to QUEUED.
func (s *InMemoryStore) PromoteJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != JobStatusPending {
		return nil, invalidOpErrorf("promote", "job %s is %s, not %s", jobID, job.Status, JobStatusPending)
	}
	now := time.Now()
	job.Status = JobStatusQueued
	job.QueuedAt = &now
	return cloneJob(job), nil
}

// MarkChainExhausted flags a job whose retry chain gave up automatically.
func (s *InMemoryStore) MarkChainExhausted(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := s.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	job.ChainExhausted = true
	return nil
}

// GetRun retrieves a run by ID.
func (s *InMemoryStore) GetRun(ctx context.Context, runID string) (*JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if runID == "" {
		return nil, validationErrorf("id", "run ID is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	run, exists := s.runs[runID]
	if !exists {
		return nil, ErrRunNotFound
	}
	return cloneRun(run), nil
}

// GetRunForJob retrieves the single run owned by a job.
func (s *InMemoryStore) GetRunForJob(ctx context.Context, jobID string) (*JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	runID, exists := s.runByJob[jobID]
	if !exists {
		return nil, ErrRunNotFound
	}
	return cloneRun(s.runs[runID]), nil
}

// FinishRun applies the one-shot terminal transition to a run.
func (s *InMemoryStore) FinishRun(ctx context.Context, runID string, outcome RunOutcome) (*JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if err := validateOutcome(outcome); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	run, exists := s.runs[runID]
	if !exists {
		return nil, ErrRunNotFound
	}
	if run.Terminal() {
		return nil, invalidOpErrorf("finish_run", "run %s already terminal (%s)", runID, run.Status)
	}

	now := time.Now()
	applyOutcome(run, outcome, now)
	if job, ok := s.jobs[run.JobID]; ok && job.FinishedAt == nil {
		job.FinishedAt = &now
	}
	return cloneRun(run), nil
}

// CreateGroup persists a new job group.
func (s *InMemoryStore) CreateGroup(ctx context.Context, group *JobGroup) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}
	if _, exists := s.groups[group.ID]; exists {
		return "", validationErrorf("id", "group already exists: %s", group.ID)
	}

	stored := cloneGroup(group)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	stored.Status = GroupStatusRunning
	stored.FinishedAt = nil
	s.groups[stored.ID] = stored
	return stored.ID, nil
}

// GetGroup retrieves a group by ID.
func (s *InMemoryStore) GetGroup(ctx context.Context, groupID string) (*JobGroup, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	group, exists := s.groups[groupID]
	if !exists {
		return nil, ErrGroupNotFound
	}
	return cloneGroup(group), nil
}

// ListGroupJobs returns every job referencing the group, retries included.
func (s *InMemoryStore) ListGroupJobs(ctx context.Context, groupID string) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	jobs := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.GroupID == groupID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// UpdateGroupStatus sets a group's aggregate status.
func (s *InMemoryStore) UpdateGroupStatus(ctx context.Context, groupID string, status GroupStatus) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	group, exists := s.groups[groupID]
	if !exists {
		return ErrGroupNotFound
	}
	group.Status = status
	if status != GroupStatusRunning && group.FinishedAt == nil {
		now := time.Now()
		group.FinishedAt = &now
	}
	return nil
}

// CreateReservation persists a new ACTIVE reservation.
func (s *InMemoryStore) CreateReservation(ctx context.Context, res *Reservation) (string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return "", err
	}
	if res == nil {
		return "", validationErrorf("reservation", "reservation is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return "", err
	}

	for _, existing := range s.reservations {
		if existing.Status == ReservationStatusActive {
			return "", ErrReservationHeld
		}
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
	s.reservations[stored.ID] = stored
	return stored.ID, nil
}

// ActiveReservation returns the ACTIVE reservation, if any.
func (s *InMemoryStore) ActiveReservation(ctx context.Context) (*Reservation, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, res := range s.reservations {
		if res.Status == ReservationStatusActive {
			return cloneReservation(res), nil
		}
	}
	return nil, nil
}

// ExpireReservation transitions a reservation to EXPIRED.
func (s *InMemoryStore) ExpireReservation(ctx context.Context, resID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}

	res, exists := s.reservations[resID]
	if !exists {
		return invalidOpErrorf("expire_reservation", "reservation %s not found", resID)
	}
	if res.Status == ReservationStatusExpired {
		return nil
	}
	now := time.Now()
	res.Status = ReservationStatusExpired
	res.ReleasedAt = &now
	return nil
}

// RecoverOrphans synthesizes FAILED runs for jobs orphaned by a crash.
func (s *InMemoryStore) RecoverOrphans(ctx context.Context, errorMsg string) ([]*JobRun, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	recovered := make([]*JobRun, 0)
	for _, job := range s.jobs {
		if job.Status != JobStatusRunning && job.Status != JobStatusDispatched {
			continue
		}

		runID, hasRun := s.runByJob[job.ID]
		if hasRun && s.runs[runID].Terminal() {
			continue
		}

		var run *JobRun
		if hasRun {
			run = s.runs[runID]
		} else {
			// Crash landed between claim and run creation; synthesize both
			// halves so the orphan stays inspectable.
			run = &JobRun{
				ID:             uuid.NewString(),
				JobID:          job.ID,
				ParamsSnapshot: copyBytes(job.Params),
				StartedAt:      now,
			}
			s.runs[run.ID] = run
			s.runByJob[job.ID] = run.ID
		}

		applyOutcome(run, RunOutcome{Status: RunStatusFailed, Error: errorMsg}, now)
		job.Status = JobStatusRunning
		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}
		recovered = append(recovered, cloneRun(run))
	}

	sort.Slice(recovered, func(i, j int) bool { return recovered[i].JobID < recovered[j].JobID })
	return recovered, nil
}

// ExpireActiveReservations force-expires any ACTIVE reservation.
func (s *InMemoryStore) ExpireActiveReservations(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return 0, err
	}

	now := time.Now()
	expired := 0
	for _, res := range s.reservations {
		if res.Status == ReservationStatusActive {
			res.Status = ReservationStatusExpired
			res.ReleasedAt = &now
			expired++
		}
	}
	return expired, nil
}

// Stats returns cumulative counters over all jobs and runs.
func (s *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{Total: len(s.jobs)}
	for _, job := range s.jobs {
		if job.Status == JobStatusCancelled {
			stats.Cancelled++
		}
	}
	for _, run := range s.runs {
		switch run.Status {
		case RunStatusCompleted:
			stats.Succeeded++
		case RunStatusFailed:
			stats.Failed++
		case RunStatusSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

// QueueLength counts jobs whose external status is QUEUED.
func (s *InMemoryStore) QueueLength(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	length := 0
	for _, job := range s.jobs {
		if job.Status == JobStatusQueued || job.Status == JobStatusPending {
			length++
		}
	}
	return length, nil
}

// Helper functions

func prepareJobForCreate(job *Job, now time.Time) *Job {
	prepared := cloneJob(job)
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	if prepared.Status == JobStatusQueued {
		queued := prepared.CreatedAt
		prepared.QueuedAt = &queued
	} else {
		prepared.QueuedAt = nil
	}
	prepared.StartedAt = nil
	prepared.FinishedAt = nil
	prepared.RetrySuppressed = false
	prepared.ChainExhausted = false
	return prepared
}

func applyOutcome(run *JobRun, outcome RunOutcome, now time.Time) {
	run.Status = outcome.Status
	run.Error = outcome.Error
	run.Artifacts = copyBytes(outcome.Artifacts)
	run.ExitCode = copyIntPtr(outcome.ExitCode)
	finished := now
	run.FinishedAt = &finished
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Params = copyBytes(job.Params)
	clone.NotBefore = copyTimePtr(job.NotBefore)
	clone.QueuedAt = copyTimePtr(job.QueuedAt)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.FinishedAt = copyTimePtr(job.FinishedAt)
	return &clone
}

func cloneRun(run *JobRun) *JobRun {
	if run == nil {
		return nil
	}
	clone := *run
	clone.ParamsSnapshot = copyBytes(run.ParamsSnapshot)
	clone.Artifacts = copyBytes(run.Artifacts)
	clone.FinishedAt = copyTimePtr(run.FinishedAt)
	clone.ExitCode = copyIntPtr(run.ExitCode)
	return &clone
}

func cloneGroup(group *JobGroup) *JobGroup {
	if group == nil {
		return nil
	}
	clone := *group
	clone.JobIDs = copyStringSlice(group.JobIDs)
	clone.FinishedAt = copyTimePtr(group.FinishedAt)
	return &clone
}

func cloneReservation(res *Reservation) *Reservation {
	if res == nil {
		return nil
	}
	clone := *res
	clone.ReleasedAt = copyTimePtr(res.ReleasedAt)
	return &clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

func copyIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	val := *v
	return &val
}
