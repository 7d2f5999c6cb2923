package jobsched

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WebhookPayload is the body POSTed for every terminal run. It carries only
// the external status vocabulary; internal-only job states never appear.
type WebhookPayload struct {
	Event      string    `json:"event"`
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	JobType    string    `json:"job_type"`
	JobStatus  JobStatus `json:"job_status"`
	RunStatus  RunStatus `json:"run_status"`
	Error      string    `json:"error,omitempty"`
	RetryOf    string    `json:"retry_of,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// WebhookService delivers terminal-run notifications asynchronously. Failed
// deliveries are retried with exponential backoff (5s/15s/45s by default);
// after the cap the failure is logged and the notification dropped. Delivery
// is at-least-once, never exactly-once.
type WebhookService struct {
	cfg    *Config
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookService creates a WebhookService. An empty Config.WebhookURL
// disables delivery entirely.
func NewWebhookService(cfg *Config, logger *slog.Logger) *WebhookService {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookService{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.WebhookTimeout},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify schedules asynchronous delivery for a terminal run. It never blocks
// the dispatcher.
func (s *WebhookService) Notify(job *Job, run *JobRun) {
	if s.cfg.WebhookURL == "" || job == nil || run == nil || !run.Terminal() {
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	payload := buildWebhookPayload(job, run)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(ctx, payload)
	}()
}

// Close cancels in-flight deliveries and waits for the goroutines to exit.
func (s *WebhookService) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// reopen replaces a cancelled delivery context so the service works again
// after Close. Called when the scheduler restarts.
func (s *WebhookService) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
}

func (s *WebhookService) deliver(ctx context.Context, payload WebhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("webhook: failed to encode payload", "event", payload.Event, "error", err)
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.WebhookRetryDelay
	expo.Multiplier = s.cfg.WebhookRetryFactor
	expo.RandomizationFactor = 0
	expo.MaxInterval = s.cfg.WebhookRetryDelay * 32

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, s.post(ctx, body)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(s.cfg.WebhookMaxRetries+1)))

	if err != nil {
		// At-least-once, not guaranteed: log and give up after the cap.
		s.logger.Warn("webhook: delivery failed, giving up",
			"event", payload.Event, "jobID", payload.JobID, "attempts", attempts, "error", err)
		return
	}
	s.logger.Debug("webhook: delivered", "event", payload.Event, "jobID", payload.JobID, "attempts", attempts)
}

func (s *WebhookService) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}

func buildWebhookPayload(job *Job, run *JobRun) WebhookPayload {
	finished := run.StartedAt
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	return WebhookPayload{
		Event:      "run." + string(run.Status),
		JobID:      job.ID,
		RunID:      run.ID,
		JobType:    job.Type,
		JobStatus:  job.Status.External(),
		RunStatus:  run.Status,
		Error:      run.Error,
		RetryOf:    job.RetryOf,
		GroupID:    job.GroupID,
		FinishedAt: finished,
	}
}
