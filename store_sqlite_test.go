//go:build sqlite
// +build sqlite

package jobsched_test

import (
	"context"
	"os"
	"time"

	"github.com/VsevolodSauta/jobsched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("SQLiteStore", func() {
	StoreTestSuite(func() (jobsched.Store, func()) {
		tmpFile, err := os.CreateTemp("", "jobsched_sqlite_*.db")
		Expect(err).NotTo(HaveOccurred())
		Expect(tmpFile.Close()).To(Succeed())

		store, err := jobsched.NewSQLiteStore(tmpFile.Name(), testLogger())
		Expect(err).NotTo(HaveOccurred())

		return store, func() {
			_ = store.Close()
			_ = os.Remove(tmpFile.Name())
		}
	})

	It("keeps state across a close/reopen cycle", func() {
		tmpFile, err := os.CreateTemp("", "jobsched_sqlite_reopen_*.db")
		Expect(err).NotTo(HaveOccurred())
		Expect(tmpFile.Close()).To(Succeed())
		defer os.Remove(tmpFile.Name())
		ctx := context.Background()

		store, err := jobsched.NewSQLiteStore(tmpFile.Name(), testLogger())
		Expect(err).NotTo(HaveOccurred())

		job := queuedJob("convert", 3)
		_, err = store.CreateJob(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		_, _, err = store.ClaimNextJob(ctx, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Close()).To(Succeed())

		reopened, err := jobsched.NewSQLiteStore(tmpFile.Name(), testLogger())
		Expect(err).NotTo(HaveOccurred())
		defer reopened.Close()

		recovered, err := reopened.RecoverOrphans(ctx, "crash recovery")
		Expect(err).NotTo(HaveOccurred())
		Expect(recovered).To(HaveLen(1))
		Expect(recovered[0].JobID).To(Equal(job.ID))
	})
})
