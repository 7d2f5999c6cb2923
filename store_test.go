package jobsched_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/VsevolodSauta/jobsched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (discards everything below errors).
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func queuedJob(jobType string, priority int) *jobsched.Job {
	return &jobsched.Job{
		ID:       fmt.Sprintf("job-%s-%d-%d", jobType, priority, time.Now().UnixNano()),
		Type:     jobType,
		Params:   []byte(`{"n":1}`),
		Priority: priority,
		Status:   jobsched.JobStatusQueued,
	}
}

// StoreTestSuite runs a conformance suite against a Store implementation.
// Every store must pass it unchanged: ordering, claim atomicity, immutability
// guards and recovery are contract, not implementation detail.
func StoreTestSuite(storeFactory func() (jobsched.Store, func())) {
	var store jobsched.Store
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		store, cleanup = storeFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("CreateJob and GetJob", func() {
		It("persists a queued job and assigns a position", func() {
			job := queuedJob("convert", 0)
			jobID, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal(job.ID))

			stored, err := store.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Type).To(Equal("convert"))
			Expect(stored.Status).To(Equal(jobsched.JobStatusQueued))
			Expect(stored.Position).To(BeNumerically(">", 0))
			Expect(stored.QueuedAt).NotTo(BeNil())
		})

		It("assigns strictly increasing positions", func() {
			first := queuedJob("convert", 0)
			second := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, first)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, second)
			Expect(err).NotTo(HaveOccurred())

			a, err := store.GetJob(ctx, first.ID)
			Expect(err).NotTo(HaveOccurred())
			b, err := store.GetJob(ctx, second.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Position).To(BeNumerically(">", a.Position))
		})

		It("rejects duplicate job IDs", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.CreateJob(ctx, job)
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("rejects a job with no type", func() {
			job := queuedJob("convert", 0)
			job.Type = ""
			_, err := store.CreateJob(ctx, job)
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("returns ErrJobNotFound for unknown IDs", func() {
			_, err := store.GetJob(ctx, "nope")
			Expect(err).To(MatchError(jobsched.ErrJobNotFound))
		})
	})

	Describe("claim ordering", func() {
		It("claims by priority DESC, then position ASC", func() {
			low := queuedJob("convert", 0)
			highLate := queuedJob("convert", 10)
			mid1 := queuedJob("convert", 5)
			mid2 := queuedJob("convert", 5)

			for _, job := range []*jobsched.Job{low, mid1, mid2, highLate} {
				_, err := store.CreateJob(ctx, job)
				Expect(err).NotTo(HaveOccurred())
			}

			var claimedOrder []string
			for {
				job, run, err := store.ClaimNextJob(ctx, time.Now())
				Expect(err).NotTo(HaveOccurred())
				if job == nil {
					break
				}
				Expect(run.JobID).To(Equal(job.ID))
				claimedOrder = append(claimedOrder, job.ID)
			}

			Expect(claimedOrder).To(Equal([]string{highLate.ID, mid1.ID, mid2.ID, low.ID}))
		})

		It("defers jobs whose NotBefore has not passed", func() {
			notBefore := time.Now().Add(time.Hour)
			delayed := queuedJob("convert", 10)
			delayed.NotBefore = &notBefore
			ready := queuedJob("convert", 0)

			_, err := store.CreateJob(ctx, delayed)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, ready)
			Expect(err).NotTo(HaveOccurred())

			job, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal(ready.ID))

			job, _, err = store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())

			// The delayed job becomes claimable once the clock passes NotBefore.
			job, _, err = store.ClaimNextJob(ctx, notBefore.Add(time.Second))
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal(delayed.ID))
		})

		It("never claims PENDING jobs", func() {
			gated := queuedJob("convert", 10)
			gated.Status = jobsched.JobStatusPending
			_, err := store.CreateJob(ctx, gated)
			Expect(err).NotTo(HaveOccurred())

			job, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})
	})

	Describe("claim atomicity", func() {
		It("gives each job to exactly one concurrent claimer", func() {
			const jobCount = 8
			for i := 0; i < jobCount; i++ {
				_, err := store.CreateJob(ctx, queuedJob("convert", 0))
				Expect(err).NotTo(HaveOccurred())
			}

			var mu sync.Mutex
			claimed := make(map[string]int)
			var wg sync.WaitGroup
			for w := 0; w < 4; w++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						job, run, err := store.ClaimNextJob(ctx, time.Now())
						Expect(err).NotTo(HaveOccurred())
						if job == nil {
							return
						}
						Expect(run).NotTo(BeNil())
						mu.Lock()
						claimed[job.ID]++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(claimed).To(HaveLen(jobCount))
			for jobID, count := range claimed {
				Expect(count).To(Equal(1), "job %s claimed %d times", jobID, count)
			}
		})

		It("creates the run in the same transaction as the claim", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			claimed, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.Status).To(Equal(jobsched.JobStatusRunning))
			Expect(claimed.StartedAt).NotTo(BeNil())

			stored, err := store.GetRunForJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.ID).To(Equal(run.ID))
			Expect(stored.ParamsSnapshot).To(Equal(job.Params))
			Expect(stored.Status).NotTo(Equal(jobsched.RunStatusCompleted))
		})
	})

	Describe("pre-dispatch mutations", func() {
		It("updates params, priority and position of a QUEUED job", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			updated, err := store.UpdateJobParams(ctx, job.ID, []byte(`{"n":2}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Params).To(Equal([]byte(`{"n":2}`)))

			updated, err = store.UpdateJobPriority(ctx, job.ID, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Priority).To(Equal(7))

			updated, err = store.ReorderJob(ctx, job.ID, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Position).To(Equal(int64(42)))
		})

		It("rejects mutations once the job left QUEUED", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			_, err = store.UpdateJobParams(ctx, job.ID, []byte(`{}`))
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
			_, err = store.UpdateJobPriority(ctx, job.ID, 3)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
			_, err = store.ReorderJob(ctx, job.ID, 1)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())

			// The failed mutation left the job untouched.
			stored, err := store.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Params).To(Equal(job.Params))
		})

		It("mutates a group-gated PENDING member without making it claimable", func() {
			gated := queuedJob("convert", 0)
			gated.Status = jobsched.JobStatusPending
			_, err := store.CreateJob(ctx, gated)
			Expect(err).NotTo(HaveOccurred())

			updated, err := store.UpdateJobParams(ctx, gated.ID, []byte(`{"n":9}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Params).To(Equal([]byte(`{"n":9}`)))

			updated, err = store.UpdateJobPriority(ctx, gated.ID, 11)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Priority).To(Equal(11))

			updated, err = store.ReorderJob(ctx, gated.ID, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Position).To(Equal(int64(3)))

			// Still gated: the mutations never release it to the claim path.
			job, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())

			stored, err := store.GetJob(ctx, gated.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(jobsched.JobStatusPending))
		})

		It("keeps mutated ordering once a gated member is promoted", func() {
			plain := queuedJob("convert", 0)
			gated := queuedJob("convert", 0)
			gated.Status = jobsched.JobStatusPending
			_, err := store.CreateJob(ctx, plain)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, gated)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.UpdateJobPriority(ctx, gated.ID, 9)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.PromoteJob(ctx, gated.ID)
			Expect(err).NotTo(HaveOccurred())

			job, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal(gated.ID))
			Expect(job.Priority).To(Equal(9))
		})

		It("reports the external status when rejecting a mutation", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			_, err = store.UpdateJobPriority(ctx, job.ID, 3)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("running"))
			Expect(err.Error()).NotTo(ContainSubstring("dispatched"))
		})

		It("re-sorts the claim order after a priority change", func() {
			first := queuedJob("convert", 0)
			second := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, first)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, second)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.UpdateJobPriority(ctx, second.ID, 5)
			Expect(err).NotTo(HaveOccurred())

			job, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal(second.ID))
		})
	})

	Describe("CancelJob", func() {
		It("cancels a QUEUED job immediately", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			cancelled, err := store.CancelJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(jobsched.JobStatusCancelled))
			Expect(cancelled.FinishedAt).NotTo(BeNil())

			// Cancelled jobs never dispatch.
			claimed, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed).To(BeNil())
			_, err = store.GetRunForJob(ctx, job.ID)
			Expect(err).To(MatchError(jobsched.ErrRunNotFound))
		})

		It("cancels a PENDING group member immediately", func() {
			job := queuedJob("convert", 0)
			job.Status = jobsched.JobStatusPending
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			cancelled, err := store.CancelJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(jobsched.JobStatusCancelled))
		})

		It("suppresses retries of a RUNNING job without preempting it", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, _, err = store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			updated, err := store.CancelJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(jobsched.JobStatusRunning))
			Expect(updated.RetrySuppressed).To(BeTrue())
		})

		It("rejects cancelling a job twice", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CancelJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.CancelJob(ctx, job.ID)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
		})

		It("rejects cancelling a finished job", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = store.FinishRun(ctx, run.ID, jobsched.RunOutcome{Status: jobsched.RunStatusCompleted})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.CancelJob(ctx, job.ID)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
		})
	})

	Describe("PromoteJob", func() {
		It("releases a PENDING job into the queue", func() {
			job := queuedJob("convert", 0)
			job.Status = jobsched.JobStatusPending
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			promoted, err := store.PromoteJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(promoted.Status).To(Equal(jobsched.JobStatusQueued))
			Expect(promoted.QueuedAt).NotTo(BeNil())

			claimed, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal(job.ID))
		})

		It("rejects promoting a non-PENDING job", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			_, err = store.PromoteJob(ctx, job.ID)
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
		})
	})

	Describe("FinishRun", func() {
		It("applies a terminal outcome exactly once", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			exitCode := 0
			finished, err := store.FinishRun(ctx, run.ID, jobsched.RunOutcome{
				Status:    jobsched.RunStatusCompleted,
				ExitCode:  &exitCode,
				Artifacts: []byte(`{"out":"a.mp4"}`),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(finished.Status).To(Equal(jobsched.RunStatusCompleted))
			Expect(finished.FinishedAt).NotTo(BeNil())
			Expect(finished.Artifacts).To(Equal([]byte(`{"out":"a.mp4"}`)))

			stored, err := store.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.FinishedAt).NotTo(BeNil())

			_, err = store.FinishRun(ctx, run.ID, jobsched.RunOutcome{Status: jobsched.RunStatusFailed, Error: "boom"})
			Expect(jobsched.IsInvalidOperation(err)).To(BeTrue())
		})

		It("rejects non-terminal outcomes", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			_, err = store.FinishRun(ctx, run.ID, jobsched.RunOutcome{Status: ""})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("requires error text on a FAILED outcome", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			_, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			_, err = store.FinishRun(ctx, run.ID, jobsched.RunOutcome{Status: jobsched.RunStatusFailed})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("groups", func() {
		It("creates and retrieves a group with member order intact", func() {
			a := queuedJob("convert", 0)
			b := queuedJob("convert", 0)
			groupID := fmt.Sprintf("grp-%d", time.Now().UnixNano())
			a.GroupID, b.GroupID = groupID, groupID

			_, err := store.CreateGroup(ctx, &jobsched.JobGroup{
				ID:     groupID,
				Mode:   jobsched.GroupModeSequential,
				JobIDs: []string{a.ID, b.ID},
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, a)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, b)
			Expect(err).NotTo(HaveOccurred())

			group, err := store.GetGroup(ctx, groupID)
			Expect(err).NotTo(HaveOccurred())
			Expect(group.Mode).To(Equal(jobsched.GroupModeSequential))
			Expect(group.Status).To(Equal(jobsched.GroupStatusRunning))
			Expect(group.JobIDs).To(Equal([]string{a.ID, b.ID}))

			members, err := store.ListGroupJobs(ctx, groupID)
			Expect(err).NotTo(HaveOccurred())
			Expect(members).To(HaveLen(2))
		})

		It("stamps FinishedAt when the group settles", func() {
			groupID := fmt.Sprintf("grp-%d", time.Now().UnixNano())
			_, err := store.CreateGroup(ctx, &jobsched.JobGroup{
				ID:     groupID,
				Mode:   jobsched.GroupModeParallel,
				JobIDs: []string{"x"},
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(store.UpdateGroupStatus(ctx, groupID, jobsched.GroupStatusPartial)).To(Succeed())
			group, err := store.GetGroup(ctx, groupID)
			Expect(err).NotTo(HaveOccurred())
			Expect(group.Status).To(Equal(jobsched.GroupStatusPartial))
			Expect(group.FinishedAt).NotTo(BeNil())
		})

		It("rejects an unknown group mode", func() {
			_, err := store.CreateGroup(ctx, &jobsched.JobGroup{ID: "g", Mode: "banana"})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})
	})

	Describe("reservations", func() {
		It("allows at most one ACTIVE reservation", func() {
			resID, err := store.CreateReservation(ctx, &jobsched.Reservation{})
			Expect(err).NotTo(HaveOccurred())
			Expect(resID).NotTo(BeEmpty())

			_, err = store.CreateReservation(ctx, &jobsched.Reservation{})
			Expect(err).To(MatchError(jobsched.ErrReservationHeld))

			active, err := store.ActiveReservation(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active.ID).To(Equal(resID))

			Expect(store.ExpireReservation(ctx, resID)).To(Succeed())
			active, err = store.ActiveReservation(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeNil())

			// A new reservation may be taken after release.
			_, err = store.CreateReservation(ctx, &jobsched.Reservation{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("treats double expiry as a no-op", func() {
			resID, err := store.CreateReservation(ctx, &jobsched.Reservation{})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.ExpireReservation(ctx, resID)).To(Succeed())
			Expect(store.ExpireReservation(ctx, resID)).To(Succeed())
		})

		It("force-expires active reservations during recovery", func() {
			_, err := store.CreateReservation(ctx, &jobsched.Reservation{})
			Expect(err).NotTo(HaveOccurred())

			expired, err := store.ExpireActiveReservations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(Equal(1))

			expired, err = store.ExpireActiveReservations(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(expired).To(BeZero())
		})
	})

	Describe("RecoverOrphans", func() {
		It("fails runs left behind by an unclean shutdown, exactly once", func() {
			orphaned := queuedJob("convert", 0)
			finished := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, orphaned)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, finished)
			Expect(err).NotTo(HaveOccurred())

			// Claim both; finish only one. The unfinished claim simulates the
			// crash point.
			_, run1, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, run2, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = store.FinishRun(ctx, run2.ID, jobsched.RunOutcome{Status: jobsched.RunStatusCompleted})
			Expect(err).NotTo(HaveOccurred())

			recovered, err := store.RecoverOrphans(ctx, "crash recovery")
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(HaveLen(1))
			Expect(recovered[0].ID).To(Equal(run1.ID))
			Expect(recovered[0].Status).To(Equal(jobsched.RunStatusFailed))
			Expect(recovered[0].Error).To(Equal("crash recovery"))

			// Idempotent: a second pass finds nothing.
			recovered, err = store.RecoverOrphans(ctx, "crash recovery")
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(BeEmpty())
		})

		It("leaves queued jobs untouched", func() {
			job := queuedJob("convert", 0)
			_, err := store.CreateJob(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			recovered, err := store.RecoverOrphans(ctx, "crash recovery")
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(BeEmpty())

			stored, err := store.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(jobsched.JobStatusQueued))
		})
	})

	Describe("Stats and QueueLength", func() {
		It("counts jobs and run outcomes", func() {
			done := queuedJob("convert", 0)
			failed := queuedJob("convert", 0)
			waiting := queuedJob("convert", 0)
			cancelled := queuedJob("convert", 0)
			for _, job := range []*jobsched.Job{done, failed, waiting, cancelled} {
				_, err := store.CreateJob(ctx, job)
				Expect(err).NotTo(HaveOccurred())
			}
			_, err := store.CancelJob(ctx, cancelled.ID)
			Expect(err).NotTo(HaveOccurred())

			_, run1, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = store.FinishRun(ctx, run1.ID, jobsched.RunOutcome{Status: jobsched.RunStatusCompleted})
			Expect(err).NotTo(HaveOccurred())
			_, run2, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			_, err = store.FinishRun(ctx, run2.ID, jobsched.RunOutcome{Status: jobsched.RunStatusFailed, Error: "boom"})
			Expect(err).NotTo(HaveOccurred())

			stats, err := store.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Total).To(Equal(4))
			Expect(stats.Succeeded).To(Equal(1))
			Expect(stats.Failed).To(Equal(1))
			Expect(stats.Cancelled).To(Equal(1))

			length, err := store.QueueLength(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(length).To(Equal(1))
		})
	})
}

var _ = Describe("InMemoryStore", func() {
	StoreTestSuite(func() (jobsched.Store, func()) {
		store := jobsched.NewInMemoryStore()
		return store, func() { _ = store.Close() }
	})

	It("rejects operations after Close", func() {
		store := jobsched.NewInMemoryStore()
		Expect(store.Close()).To(Succeed())

		_, err := store.CreateJob(context.Background(), queuedJob("convert", 0))
		Expect(err).To(MatchError(jobsched.ErrStoreClosed))
		_, err = store.GetJob(context.Background(), "x")
		Expect(err).To(MatchError(jobsched.ErrStoreClosed))
	})

	It("isolates returned jobs from internal state", func() {
		store := jobsched.NewInMemoryStore()
		defer store.Close()
		ctx := context.Background()

		job := queuedJob("convert", 0)
		_, err := store.CreateJob(ctx, job)
		Expect(err).NotTo(HaveOccurred())

		first, err := store.GetJob(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		first.Params[0] = 'X'
		first.Priority = 99

		second, err := store.GetJob(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Params).To(Equal([]byte(`{"n":1}`)))
		Expect(second.Priority).To(BeZero())
	})
})
