package jobsched_test

import (
	"context"
	"os"
	"time"

	"github.com/VsevolodSauta/jobsched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BadgerStore", func() {
	StoreTestSuite(func() (jobsched.Store, func()) {
		tmpDir, err := os.MkdirTemp("", "jobsched_badger_*")
		Expect(err).NotTo(HaveOccurred())

		store, err := jobsched.NewBadgerStore(tmpDir, testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	Describe("persistence across reopen", func() {
		It("keeps jobs, runs and claim order through a close/reopen cycle", func() {
			tmpDir, err := os.MkdirTemp("", "jobsched_badger_reopen_*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)
			ctx := context.Background()

			store, err := jobsched.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())

			high := queuedJob("convert", 5)
			low := queuedJob("convert", 1)
			_, err = store.CreateJob(ctx, low)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.CreateJob(ctx, high)
			Expect(err).NotTo(HaveOccurred())

			// Claim one and leave it unfinished, as a crash would.
			claimed, _, err := store.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(claimed.ID).To(Equal(high.ID))
			Expect(store.Close()).To(Succeed())

			reopened, err := jobsched.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close()

			recovered, err := reopened.RecoverOrphans(ctx, "crash recovery")
			Expect(err).NotTo(HaveOccurred())
			Expect(recovered).To(HaveLen(1))
			Expect(recovered[0].JobID).To(Equal(high.ID))

			next, _, err := reopened.ClaimNextJob(ctx, time.Now())
			Expect(err).NotTo(HaveOccurred())
			Expect(next.ID).To(Equal(low.ID))
		})

		It("continues the position sequence after reopen", func() {
			tmpDir, err := os.MkdirTemp("", "jobsched_badger_seq_*")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(tmpDir)
			ctx := context.Background()

			store, err := jobsched.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			first := queuedJob("convert", 0)
			_, err = store.CreateJob(ctx, first)
			Expect(err).NotTo(HaveOccurred())
			before, err := store.GetJob(ctx, first.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.Close()).To(Succeed())

			reopened, err := jobsched.NewBadgerStore(tmpDir, testLogger())
			Expect(err).NotTo(HaveOccurred())
			defer reopened.Close()

			second := queuedJob("convert", 0)
			_, err = reopened.CreateJob(ctx, second)
			Expect(err).NotTo(HaveOccurred())
			after, err := reopened.GetJob(ctx, second.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.Position).To(BeNumerically(">", before.Position))
		})
	})
})
