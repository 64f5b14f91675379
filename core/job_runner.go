package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobIDCatalogRefresh   = "purchases.catalog.refresh"
	JobIDPurchasesRefresh = "purchases.purchases.refresh"
)

const (
	defaultJobInitialBackoff = 500 * time.Millisecond
	defaultJobMaxBackoff     = 30 * time.Second
	defaultJobPollInterval   = time.Second
)

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultJobInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultJobMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// attemptNacker is implemented by deliveries that bound retries by attempt.
type attemptNacker interface {
	NackForAttempt(ctx context.Context, opts JobNackOptions, attempt int) error
}

// JobTarget is the engine surface the job runner drives.
type JobTarget interface {
	RefreshCatalogSync(ctx context.Context) (CatalogSnapshot, error)
	RefreshPurchasesSync(ctx context.Context) error
}

// JobRunner drains queued refresh jobs and runs them against the engine.
// Retryable failures are nacked with backoff; configuration failures are
// dead-lettered.
type JobRunner struct {
	target       JobTarget
	dequeuer     JobDequeuer
	hook         JobWorkerHook
	backoff      BackoffScheduler
	pollInterval time.Duration
	telemetry    *telemetry
}

type JobRunnerOption func(*JobRunner)

func WithJobWorkerHook(hook JobWorkerHook) JobRunnerOption {
	return func(r *JobRunner) {
		r.hook = hook
	}
}

func WithJobBackoff(backoff BackoffScheduler) JobRunnerOption {
	return func(r *JobRunner) {
		r.backoff = backoff
	}
}

func WithJobPollInterval(interval time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		r.pollInterval = interval
	}
}

func NewJobRunner(target JobTarget, dequeuer JobDequeuer, opts ...JobRunnerOption) *JobRunner {
	runner := &JobRunner{
		target:       target,
		dequeuer:     dequeuer,
		backoff:      ExponentialBackoffScheduler{Initial: defaultJobInitialBackoff, Max: defaultJobMaxBackoff},
		pollInterval: defaultJobPollInterval,
		telemetry:    &telemetry{},
	}
	if engine, ok := target.(*Engine); ok && engine != nil {
		runner.telemetry = engine.telemetry
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}
	return runner
}

// Run processes deliveries until ctx is done.
func (r *JobRunner) Run(ctx context.Context) error {
	if r == nil || r.dequeuer == nil || r.target == nil {
		return fmt.Errorf("core: job runner is not configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		handled, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.telemetry.logWarn(ctx, "job runner dequeue failed", map[string]any{"error": err.Error()})
		}
		if !handled || err != nil {
			if waitErr := waitWithContext(ctx, r.pollInterval); waitErr != nil {
				return nil
			}
		}
	}
}

// RunOnce handles at most one delivery. handled is false when the queue
// returned nothing.
func (r *JobRunner) RunOnce(ctx context.Context) (handled bool, err error) {
	if r == nil || r.dequeuer == nil || r.target == nil {
		return false, fmt.Errorf("core: job runner is not configured")
	}
	delivery, err := r.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	msg := delivery.Message()
	if msg == nil {
		return true, delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "missing execution message"})
	}

	attempt := attemptFromParameters(msg.Parameters)
	event := JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: time.Now().UTC()}
	r.onStart(ctx, event)

	runErr := r.execute(ctx, msg)
	event.Duration = time.Since(event.StartedAt)
	event.Err = runErr
	r.telemetry.observeOperation(ctx, event.StartedAt, "job_run", runErr, map[string]any{
		"job_id":  msg.JobID,
		"attempt": attempt,
	})

	if runErr == nil {
		r.onSuccess(ctx, event)
		return true, delivery.Ack(ctx)
	}

	opts := JobNackOptions{Reason: runErr.Error()}
	if IsRetryable(runErr) {
		opts.Requeue = true
		opts.Delay = r.backoff.NextDelay(attempt)
		event.Delay = opts.Delay
		r.onRetry(ctx, event)
	} else {
		opts.DeadLetter = true
		r.onFailure(ctx, event)
	}
	if nacker, ok := delivery.(attemptNacker); ok {
		return true, nacker.NackForAttempt(ctx, opts, attempt)
	}
	return true, delivery.Nack(ctx, opts)
}

func (r *JobRunner) execute(ctx context.Context, msg *JobExecutionMessage) error {
	switch strings.TrimSpace(msg.JobID) {
	case JobIDCatalogRefresh:
		_, err := r.target.RefreshCatalogSync(ctx)
		return err
	case JobIDPurchasesRefresh:
		return r.target.RefreshPurchasesSync(ctx)
	default:
		return NewBadInputError("core: unsupported job id", map[string]any{"job_id": msg.JobID})
	}
}

func (r *JobRunner) onStart(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnStart(ctx, event)
	}
}

func (r *JobRunner) onSuccess(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnSuccess(ctx, event)
	}
}

func (r *JobRunner) onFailure(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnFailure(ctx, event)
	}
}

func (r *JobRunner) onRetry(ctx context.Context, event JobWorkerEvent) {
	if r.hook != nil {
		r.hook.OnRetry(ctx, event)
	}
}

// NewRefreshJob builds a queue message for one of the refresh job ids.
func NewRefreshJob(jobID string, idempotencyKey string) (*JobExecutionMessage, error) {
	jobID = strings.TrimSpace(jobID)
	switch jobID {
	case JobIDCatalogRefresh, JobIDPurchasesRefresh:
	default:
		return nil, NewBadInputError("core: unsupported job id", map[string]any{"job_id": jobID})
	}
	return &JobExecutionMessage{
		JobID:          jobID,
		ScriptPath:     jobID,
		Parameters:     map[string]any{"attempt": 1},
		IdempotencyKey: strings.TrimSpace(idempotencyKey),
		DedupPolicy:    "drop",
	}, nil
}

// EnqueueRefresh schedules a refresh job on enqueuer.
func EnqueueRefresh(ctx context.Context, enqueuer JobEnqueuer, jobID string, idempotencyKey string) error {
	if enqueuer == nil {
		return errors.New("core: job enqueuer is not configured")
	}
	msg, err := NewRefreshJob(jobID, idempotencyKey)
	if err != nil {
		return err
	}
	return enqueuer.Enqueue(ctx, msg)
}

func attemptFromParameters(parameters map[string]any) int {
	switch value := parameters["attempt"].(type) {
	case int:
		if value > 0 {
			return value
		}
	case int64:
		if value > 0 {
			return int(value)
		}
	case float64:
		if value > 0 {
			return int(value)
		}
	}
	return 1
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
