package jobsched_test

import (
	"context"
	"time"

	"github.com/VsevolodSauta/jobsched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("QueueManager", func() {
	var (
		store    *jobsched.InMemoryStore
		registry *jobsched.HandlerRegistry
		queue    *jobsched.QueueManager
		ctx      context.Context
	)

	noop := jobsched.WorkFunc(func(ctx context.Context, params []byte) (*jobsched.WorkResult, error) {
		return nil, nil
	})

	BeforeEach(func() {
		ctx = context.Background()
		store = jobsched.NewInMemoryStore()
		registry = jobsched.NewHandlerRegistry()
		Expect(registry.Register("convert", noop)).To(Succeed())
		queue = jobsched.NewQueueManager(store, registry, testLogger())
	})

	AfterEach(func() {
		_ = store.Close()
	})

	Describe("Enqueue", func() {
		It("rejects an empty job type", func() {
			_, _, err := queue.Enqueue(ctx, jobsched.JobSpec{})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("rejects a job type without a registered handler", func() {
			_, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "transcode"})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("returns the assigned queue position", func() {
			_, first, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			_, second, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(BeNumerically(">", first))
		})

		It("signals the notify channel", func() {
			_, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			Expect(queue.Notify()).To(Receive())
		})
	})

	Describe("construction", func() {
		It("falls back to the default logger when given nil", func() {
			q := jobsched.NewQueueManager(store, registry, nil)
			jobID, _, err := q.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).NotTo(BeEmpty())
		})
	})

	Describe("GetJob", func() {
		It("reports a dispatched job as running", func() {
			jobID, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())

			claimed, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal(jobID))

			job, err := queue.GetJob(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(jobsched.JobStatusRunning))
		})

		It("reports a gated group member as queued", func() {
			_, jobIDs, err := queue.EnqueueGroup(ctx, jobsched.GroupModeSequential, []jobsched.JobSpec{
				{Type: "convert"},
				{Type: "convert"},
			})
			Expect(err).NotTo(HaveOccurred())

			gated, err := queue.GetJob(ctx, jobIDs[1])
			Expect(err).NotTo(HaveOccurred())
			Expect(gated.Status).To(Equal(jobsched.JobStatusQueued))
		})

		It("returns ErrJobNotFound for an unknown ID", func() {
			_, err := queue.GetJob(ctx, "missing")
			Expect(err).To(MatchError(jobsched.ErrJobNotFound))
		})
	})

	Describe("EnqueueRetry", func() {
		It("links the retry to its predecessor and copies the group", func() {
			_, jobIDs, err := queue.EnqueueGroup(ctx, jobsched.GroupModeParallel, []jobsched.JobSpec{
				{Type: "convert", Params: []byte(`{"n":1}`)},
			})
			Expect(err).NotTo(HaveOccurred())
			original, err := store.GetJob(ctx, jobIDs[0])
			Expect(err).NotTo(HaveOccurred())

			notBefore := time.Now().Add(time.Minute)
			retryID, err := queue.EnqueueRetry(ctx, original, &jobsched.Job{
				Type:      original.Type,
				Params:    original.Params,
				NotBefore: &notBefore,
			})
			Expect(err).NotTo(HaveOccurred())

			retry, err := store.GetJob(ctx, retryID)
			Expect(err).NotTo(HaveOccurred())
			Expect(retry.RetryOf).To(Equal(original.ID))
			Expect(retry.GroupID).To(Equal(original.GroupID))
			Expect(retry.Status).To(Equal(jobsched.JobStatusQueued))
			Expect(retry.Params).To(Equal(original.Params))
			Expect(retry.NotBefore).NotTo(BeNil())
		})
	})

	Describe("EnqueueGroup", func() {
		It("rejects an empty member list", func() {
			_, _, err := queue.EnqueueGroup(ctx, jobsched.GroupModeParallel, nil)
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("rejects a member with an unregistered type", func() {
			_, _, err := queue.EnqueueGroup(ctx, jobsched.GroupModeParallel, []jobsched.JobSpec{
				{Type: "convert"},
				{Type: "transcode"},
			})
			Expect(jobsched.IsValidationError(err)).To(BeTrue())
		})

		It("queues all parallel members immediately", func() {
			_, jobIDs, err := queue.EnqueueGroup(ctx, jobsched.GroupModeParallel, []jobsched.JobSpec{
				{Type: "convert"},
				{Type: "convert"},
			})
			Expect(err).NotTo(HaveOccurred())

			for _, jobID := range jobIDs {
				job, err := store.GetJob(ctx, jobID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.Status).To(Equal(jobsched.JobStatusQueued))
			}
		})

		It("keeps member order in the stored group", func() {
			groupID, jobIDs, err := queue.EnqueueGroup(ctx, jobsched.GroupModeSequential, []jobsched.JobSpec{
				{Type: "convert"},
				{Type: "convert"},
				{Type: "convert"},
			})
			Expect(err).NotTo(HaveOccurred())

			group, err := store.GetGroup(ctx, groupID)
			Expect(err).NotTo(HaveOccurred())
			Expect(group.JobIDs).To(Equal(jobIDs))
			Expect(group.Status).To(Equal(jobsched.GroupStatusRunning))
		})
	})

	Describe("ListRuns", func() {
		It("returns an empty list before dispatch", func() {
			jobID, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())

			runs, err := queue.ListRuns(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(BeEmpty())
		})

		It("returns exactly one run after dispatch", func() {
			jobID, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			_, run, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())

			runs, err := queue.ListRuns(ctx, jobID)
			Expect(err).NotTo(HaveOccurred())
			Expect(runs).To(HaveLen(1))
			Expect(runs[0].ID).To(Equal(run.ID))
		})

		It("fails for an unknown job", func() {
			_, err := queue.ListRuns(ctx, "missing")
			Expect(err).To(MatchError(jobsched.ErrJobNotFound))
		})
	})

	Describe("Length", func() {
		It("counts only claimable work", func() {
			_, _, err := queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())
			_, _, err = queue.Enqueue(ctx, jobsched.JobSpec{Type: "convert"})
			Expect(err).NotTo(HaveOccurred())

			length, err := queue.Length(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(length).To(Equal(2))

			_, _, err = store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			length, err = queue.Length(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(length).To(Equal(1))
		})
	})
})
