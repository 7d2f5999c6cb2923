package jobsched_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/VsevolodSauta/jobsched"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("WebhookService", func() {
	now := time.Now()

	failedRun := func(jobID string) *jobsched.JobRun {
		return &jobsched.JobRun{
			ID:         "run-1",
			JobID:      jobID,
			Status:     jobsched.RunStatusFailed,
			Error:      "encode failed",
			StartedAt:  now,
			FinishedAt: &now,
		}
	}

	It("does nothing when no webhook URL is configured", func() {
		service := jobsched.NewWebhookService(&jobsched.Config{}, testLogger())
		defer service.Close()

		job := &jobsched.Job{ID: "job-1", Type: "convert", Status: jobsched.JobStatusRunning}
		service.Notify(job, failedRun(job.ID))
	})

	It("skips runs that are not terminal", func() {
		var calls int
		var mu sync.Mutex
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			calls++
			mu.Unlock()
		}))
		defer server.Close()

		service := jobsched.NewWebhookService(&jobsched.Config{WebhookURL: server.URL}, testLogger())
		job := &jobsched.Job{ID: "job-1", Type: "convert", Status: jobsched.JobStatusRunning}
		service.Notify(job, &jobsched.JobRun{ID: "run-1", JobID: job.ID, StartedAt: now})
		service.Close()

		mu.Lock()
		defer mu.Unlock()
		Expect(calls).To(BeZero())
	})

	It("includes failure and chain details in the payload", func() {
		payloadCh := make(chan map[string]any, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			Expect(json.NewDecoder(r.Body).Decode(&payload)).To(Succeed())
			payloadCh <- payload
		}))
		defer server.Close()

		service := jobsched.NewWebhookService(&jobsched.Config{
			WebhookURL:        server.URL,
			WebhookRetryDelay: time.Millisecond,
		}, testLogger())
		defer service.Close()

		job := &jobsched.Job{
			ID:      "job-2",
			Type:    "convert",
			Status:  jobsched.JobStatusRunning,
			RetryOf: "job-1",
			GroupID: "group-1",
		}
		service.Notify(job, failedRun(job.ID))

		var payload map[string]any
		Eventually(payloadCh, 2*time.Second).Should(Receive(&payload))
		Expect(payload["event"]).To(Equal("run.failed"))
		Expect(payload["run_status"]).To(Equal("failed"))
		Expect(payload["job_status"]).To(Equal("running"))
		Expect(payload["error"]).To(Equal("encode failed"))
		Expect(payload["retry_of"]).To(Equal("job-1"))
		Expect(payload["group_id"]).To(Equal("group-1"))
	})

	It("omits empty optional fields from the payload", func() {
		bodyCh := make(chan map[string]any, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]any
			Expect(json.NewDecoder(r.Body).Decode(&payload)).To(Succeed())
			bodyCh <- payload
		}))
		defer server.Close()

		service := jobsched.NewWebhookService(&jobsched.Config{
			WebhookURL:        server.URL,
			WebhookRetryDelay: time.Millisecond,
		}, testLogger())
		defer service.Close()

		job := &jobsched.Job{ID: "job-3", Type: "convert", Status: jobsched.JobStatusRunning}
		service.Notify(job, &jobsched.JobRun{
			ID:         "run-3",
			JobID:      job.ID,
			Status:     jobsched.RunStatusCompleted,
			StartedAt:  now,
			FinishedAt: &now,
		})

		var payload map[string]any
		Eventually(bodyCh, 2*time.Second).Should(Receive(&payload))
		Expect(payload).NotTo(HaveKey("error"))
		Expect(payload).NotTo(HaveKey("retry_of"))
		Expect(payload).NotTo(HaveKey("group_id"))
	})

	It("delivers with a defaulted logger when constructed with nil", func() {
		bodyCh := make(chan struct{}, 1)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyCh <- struct{}{}
		}))
		defer server.Close()

		service := jobsched.NewWebhookService(&jobsched.Config{
			WebhookURL:        server.URL,
			WebhookRetryDelay: time.Millisecond,
		}, nil)
		defer service.Close()

		job := &jobsched.Job{ID: "job-5", Type: "convert", Status: jobsched.JobStatusRunning}
		service.Notify(job, failedRun(job.ID))
		Eventually(bodyCh, 2*time.Second).Should(Receive())
	})

	It("cancels in-flight deliveries on Close", func() {
		blocked := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-blocked
		}))
		defer server.Close()
		defer close(blocked)

		service := jobsched.NewWebhookService(&jobsched.Config{
			WebhookURL:        server.URL,
			WebhookRetryDelay: time.Millisecond,
		}, testLogger())

		job := &jobsched.Job{ID: "job-4", Type: "convert", Status: jobsched.JobStatusRunning}
		service.Notify(job, failedRun(job.ID))

		done := make(chan struct{})
		go func() {
			service.Close()
			close(done)
		}()
		Eventually(done, 2*time.Second).Should(BeClosed())
	})
})
