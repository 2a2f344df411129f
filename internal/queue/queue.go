// Package queue is the durable delivery queue: message, notification and
// email jobs ride through it with at-least-once semantics, exponential
// backoff and a dead-letter parking lot. Cross-job ordering is not
// guaranteed, and per-recipient FIFO is not guaranteed either, since retries
// can resequence. That limitation is deliberate and load-bearing; do not
// tighten it without revisiting the delivery-path design.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "tradewire/internal/errors"
	"tradewire/internal/metrics"
	"tradewire/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobStore is the durable backing for jobs, implemented by the sqlite
// database.
type JobStore interface {
	EnqueueJob(ctx context.Context, job *models.DeliveryJob) error
	ClaimJob(ctx context.Context, kind models.JobKind) (*models.DeliveryJob, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, nextRunAt time.Time, lastError string) error
	DeadLetterJob(ctx context.Context, id string, lastError string) error
	QueueDepth(ctx context.Context) (int, error)
	JobStatusCounts(ctx context.Context) (map[models.JobStatus]int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*models.DeliveryJob, error)
	ClearDeadLetters(ctx context.Context) (int, error)
}

// HandlerFunc processes one claimed job. Returning an error retries the job
// (if retryable and under the attempt limit) or dead-letters it.
type HandlerFunc func(ctx context.Context, job *models.DeliveryJob) error

// Config tunes the queue workers.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	PollInterval   time.Duration
	WorkersPerKind int
}

// Queue dispatches durable jobs to per-kind worker pools with bounded
// concurrency.
type Queue struct {
	store  JobStore
	cfg    Config
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers map[models.JobKind]HandlerFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store JobStore, cfg Config, logger *logrus.Logger) *Queue {
	return &Queue{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[models.JobKind]HandlerFunc),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (q *Queue) Register(kind models.JobKind, handler HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = handler
}

// Enqueue persists a new job and returns its ID. The job becomes runnable
// immediately; the caller never waits for its execution.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := time.Now()
	job := &models.DeliveryJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   data,
		Status:    models.JobStatusQueued,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		return "", err
	}

	metrics.IncrementCounter("jobs_enqueued", map[string]string{"kind": string(kind)}, "Delivery jobs enqueued")
	q.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   kind,
	}).Debug("Job enqueued")
	return job.ID, nil
}

// Start runs the worker pools until the context is cancelled or Stop is
// called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.RLock()
	kinds := make([]models.JobKind, 0, len(q.handlers))
	for kind := range q.handlers {
		kinds = append(kinds, kind)
	}
	q.mu.RUnlock()

	q.logger.WithFields(logrus.Fields{
		"kinds":            len(kinds),
		"workers_per_kind": q.cfg.WorkersPerKind,
	}).Info("Starting delivery queue workers")

	for _, kind := range kinds {
		for i := 0; i < q.cfg.WorkersPerKind; i++ {
			q.wg.Add(1)
			go q.worker(ctx, kind)
		}
	}

	q.wg.Add(1)
	go q.depthLoop(ctx)

	select {
	case <-ctx.Done():
	case <-q.stopCh:
	}
	q.wg.Wait()
}

// Stop signals all workers to drain and exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
}

// Depth returns the number of jobs with pending work.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.QueueDepth(ctx)
}

// FailureRate returns dead / (dead + completed), or zero before any job has
// finished.
func (q *Queue) FailureRate(ctx context.Context) (float64, error) {
	counts, err := q.store.JobStatusCounts(ctx)
	if err != nil {
		return 0, err
	}
	finished := counts[models.JobStatusDead] + counts[models.JobStatusCompleted]
	if finished == 0 {
		return 0, nil
	}
	return float64(counts[models.JobStatusDead]) / float64(finished), nil
}

// StatusCounts returns the number of jobs in each status.
func (q *Queue) StatusCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	return q.store.JobStatusCounts(ctx)
}

// DeadLetters lists dead-lettered jobs for inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*models.DeliveryJob, error) {
	return q.store.ListDeadLetters(ctx, limit)
}

// ClearDeadLetters deletes all dead-lettered jobs and reports how many.
func (q *Queue) ClearDeadLetters(ctx context.Context) (int, error) {
	return q.store.ClearDeadLetters(ctx)
}

func (q *Queue) worker(ctx context.Context, kind models.JobKind) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			// Drain everything due before sleeping again.
			for q.processOne(ctx, kind) {
			}
		}
	}
}

// processOne claims and runs a single job; reports whether a job was found.
func (q *Queue) processOne(ctx context.Context, kind models.JobKind) bool {
	job, err := q.store.ClaimJob(ctx, kind)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.WithError(err).WithField("kind", kind).Error("Failed to claim job")
		}
		return false
	}
	if job == nil {
		return false
	}

	start := time.Now()
	err = q.runHandler(ctx, job)
	metrics.RecordTimer("job_duration", time.Since(start), map[string]string{"kind": string(kind)})

	if err == nil {
		if err := q.store.CompleteJob(ctx, job.ID); err != nil {
			q.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to mark job completed")
		}
		metrics.IncrementCounter("jobs_completed", map[string]string{"kind": string(kind)}, "Delivery jobs completed")
		return true
	}

	q.handleFailure(ctx, job, err)
	return true
}

func (q *Queue) runHandler(ctx context.Context, job *models.DeliveryJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("job handler panicked: %v", r))
		}
	}()

	q.mu.RLock()
	handler := q.handlers[job.Kind]
	q.mu.RUnlock()
	if handler == nil {
		return apperrors.New(apperrors.ErrCodePermanentDelivery, "no handler for job kind")
	}
	return handler(ctx, job)
}

func (q *Queue) handleFailure(ctx context.Context, job *models.DeliveryJob, jobErr error) {
	fields := logrus.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempt,
	}

	if apperrors.IsRetryable(jobErr) && job.Attempt < q.cfg.MaxAttempts {
		delay := q.backoffFor(job.Attempt)
		if err := q.store.RetryJob(ctx, job.ID, time.Now().Add(delay), jobErr.Error()); err != nil {
			q.logger.WithError(err).WithFields(fields).Error("Failed to schedule retry")
			return
		}
		metrics.IncrementCounter("jobs_retried", map[string]string{"kind": string(job.Kind)}, "Delivery jobs scheduled for retry")
		q.logger.WithError(jobErr).WithFields(fields).WithField("retry_in", delay).Warn("Job failed, scheduled for retry")
		return
	}

	if err := q.store.DeadLetterJob(ctx, job.ID, jobErr.Error()); err != nil {
		q.logger.WithError(err).WithFields(fields).Error("Failed to dead-letter job")
		return
	}
	metrics.IncrementCounter("jobs_dead", map[string]string{"kind": string(job.Kind)}, "Delivery jobs dead-lettered")
	apperrors.LogError(q.logger, jobErr, "Job exhausted retries, dead-lettered")
}

// backoffFor returns the delay before the next attempt: base doubled per
// completed attempt (2s, 4s, 8s with the default base).
func (q *Queue) backoffFor(attempt int) time.Duration {
	delay := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (q *Queue) depthLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			if depth, err := q.store.QueueDepth(ctx); err == nil {
				metrics.SetGauge("queue_depth", float64(depth), nil, "Jobs with pending work")
			}
		}
	}
}
