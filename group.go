package jobsched

import (
	"context"
	"errors"
	"log/slog"
)

// chainState classifies one group member's retry chain.
type chainState int

const (
	chainOpen chainState = iota // some attempt is still pending, queued or running
	chainSucceeded              // latest attempt COMPLETED or SKIPPED
	chainFailed                 // latest attempt FAILED with no further retry coming
	chainCancelled              // member cancelled before ever dispatching
)

// GroupCoordinator maintains group aggregate state and sequential-mode
// gating. All decisions are computed from the store, never from memory, so a
// restart cannot lose group progress. It is invoked by the scheduler after
// every member settles (terminal run plus retry decision, or cancellation).
type GroupCoordinator struct {
	store  Store
	logger *slog.Logger
	notify func()
}

// NewGroupCoordinator creates a GroupCoordinator. notify is called whenever a
// gated member becomes claimable.
func NewGroupCoordinator(store Store, logger *slog.Logger, notify func()) *GroupCoordinator {
	if notify == nil {
		notify = func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupCoordinator{store: store, logger: logger, notify: notify}
}

// OnJobSettled re-evaluates the settled job's group: promotes the next
// sequential member, cancels successors after an exhausted failure, and
// updates the aggregate status once every chain closed.
func (g *GroupCoordinator) OnJobSettled(ctx context.Context, job *Job) error {
	if job == nil || job.GroupID == "" {
		return nil
	}

	group, err := g.store.GetGroup(ctx, job.GroupID)
	if err != nil {
		return err
	}

	states, err := g.memberStates(ctx, group)
	if err != nil {
		return err
	}

	if group.Mode == GroupModeSequential {
		if err := g.advanceSequential(ctx, group, states); err != nil {
			return err
		}
		// Cancellation may have closed chains; recompute before aggregating.
		states, err = g.memberStates(ctx, group)
		if err != nil {
			return err
		}
	}

	return g.aggregate(ctx, group, states)
}

// memberStates resolves each original member's chain to its current state.
func (g *GroupCoordinator) memberStates(ctx context.Context, group *JobGroup) ([]chainState, error) {
	jobs, err := g.store.ListGroupJobs(ctx, group.ID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Job, len(jobs))
	childOf := make(map[string]string, len(jobs)) // parent jobID -> retry jobID
	for _, j := range jobs {
		byID[j.ID] = j
		if j.RetryOf != "" {
			childOf[j.RetryOf] = j.ID
		}
	}

	states := make([]chainState, len(group.JobIDs))
	for i, memberID := range group.JobIDs {
		leaf, ok := byID[memberID]
		if !ok {
			return nil, ErrJobNotFound
		}
		for {
			childID, hasChild := childOf[leaf.ID]
			if !hasChild {
				break
			}
			leaf = byID[childID]
		}
		state, err := g.classifyLeaf(ctx, leaf)
		if err != nil {
			return nil, err
		}
		states[i] = state
	}
	return states, nil
}

func (g *GroupCoordinator) classifyLeaf(ctx context.Context, leaf *Job) (chainState, error) {
	switch leaf.Status {
	case JobStatusCancelled:
		return chainCancelled, nil
	case JobStatusPending, JobStatusQueued, JobStatusDispatched:
		return chainOpen, nil
	}

	run, err := g.store.GetRunForJob(ctx, leaf.ID)
	if errors.Is(err, ErrRunNotFound) {
		return chainOpen, nil
	}
	if err != nil {
		return chainOpen, err
	}

	switch run.Status {
	case RunStatusCompleted, RunStatusSkipped:
		return chainSucceeded, nil
	case RunStatusFailed:
		if leaf.ChainExhausted {
			return chainFailed, nil
		}
		// A retry is still forthcoming for this attempt.
		return chainOpen, nil
	default:
		return chainOpen, nil
	}
}

// advanceSequential promotes the next gated member once all predecessors
// settled without failure, or cancels every not-yet-started successor after
// an exhausted failure.
func (g *GroupCoordinator) advanceSequential(ctx context.Context, group *JobGroup, states []chainState) error {
	for i, memberID := range group.JobIDs {
		switch states[i] {
		case chainFailed:
			return g.cancelSuccessors(ctx, group, i+1)
		case chainOpen:
			member, err := g.store.GetJob(ctx, memberID)
			if err != nil {
				return err
			}
			if member.Status != JobStatusPending {
				// Already released; nothing to advance until it settles.
				return nil
			}
			if _, err := g.store.PromoteJob(ctx, memberID); err != nil {
				return err
			}
			g.logger.Debug("group: promoted sequential member", "groupID", group.ID, "jobID", memberID, "index", i)
			g.notify()
			return nil
		case chainSucceeded, chainCancelled:
			// Settled; look at the next member.
		}
	}
	return nil
}

func (g *GroupCoordinator) cancelSuccessors(ctx context.Context, group *JobGroup, from int) error {
	for _, memberID := range group.JobIDs[from:] {
		member, err := g.store.GetJob(ctx, memberID)
		if err != nil {
			return err
		}
		if member.Status != JobStatusPending {
			continue
		}
		if _, err := g.store.CancelJob(ctx, memberID); err != nil {
			return err
		}
		g.logger.Debug("group: cancelled successor after exhausted failure", "groupID", group.ID, "jobID", memberID)
	}
	return nil
}

// aggregate moves the group out of RUNNING once every chain closed:
// COMPLETED when all succeeded, PARTIAL otherwise.
func (g *GroupCoordinator) aggregate(ctx context.Context, group *JobGroup, states []chainState) error {
	allClosed := true
	allSucceeded := true
	for _, state := range states {
		if state == chainOpen {
			allClosed = false
		}
		if state != chainSucceeded {
			allSucceeded = false
		}
	}
	if !allClosed {
		return nil
	}

	status := GroupStatusPartial
	if allSucceeded {
		status = GroupStatusCompleted
	}
	if group.Status == status {
		return nil
	}
	if err := g.store.UpdateGroupStatus(ctx, group.ID, status); err != nil {
		return err
	}
	g.logger.Debug("group: settled", "groupID", group.ID, "status", status)
	return nil
}
