// Package gojob maps go-job queue types onto the engine's job contracts so
// refresh jobs can be scheduled and drained through any go-job backend.
package gojob

import (
	"context"
	"maps"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-purchases/core"
)

const (
	JobIDCatalogRefresh   = core.JobIDCatalogRefresh
	JobIDPurchasesRefresh = core.JobIDPurchasesRefresh
)

// RetryPolicy bounds how often a failed refresh job goes back on the queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// DefaultRetryPolicy gives up after five attempts and dead-letters the job.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MaxDelay: 5 * time.Minute, DeadLetterOnMax: true}
}

// Bound clamps opts for a failure on attempt. An exhausted job is never
// requeued. Below the limit a nack that neither requeues nor dead-letters
// becomes a requeue.
func (p RetryPolicy) Bound(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	bounded := core.JobNackOptions{
		Delay:      max(opts.Delay, 0),
		Requeue:    opts.Requeue && !opts.DeadLetter,
		DeadLetter: opts.DeadLetter,
		Reason:     strings.TrimSpace(opts.Reason),
	}
	if p.MaxDelay > 0 {
		bounded.Delay = min(bounded.Delay, p.MaxDelay)
	}
	switch {
	case p.MaxAttempts > 0 && attempt >= p.MaxAttempts:
		bounded.Requeue = false
		bounded.DeadLetter = bounded.DeadLetter || p.DeadLetterOnMax
	case !bounded.Requeue && !bounded.DeadLetter:
		bounded.Requeue = true
	}
	return bounded
}

func toQueueMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     maps.Clone(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func fromQueueMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     maps.Clone(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// Enqueuer publishes engine jobs on a go-job queue.
type Enqueuer struct {
	queue queue.Enqueuer
}

func NewEnqueuer(q queue.Enqueuer) *Enqueuer {
	return &Enqueuer{queue: q}
}

func (e *Enqueuer) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if e == nil || e.queue == nil {
		return core.NewInternalError(nil, "gojob: enqueuer is not configured")
	}
	if msg == nil {
		return core.NewBadInputError("gojob: execution message is required", nil)
	}
	return e.queue.Enqueue(ctx, toQueueMessage(msg))
}

// Dequeuer hands go-job deliveries to a core.JobRunner. An idle queue
// yields a nil delivery.
type Dequeuer struct {
	queue  queue.Dequeuer
	policy RetryPolicy
}

func NewDequeuer(q queue.Dequeuer, policy RetryPolicy) *Dequeuer {
	return &Dequeuer{queue: q, policy: policy}
}

func (d *Dequeuer) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if d == nil || d.queue == nil {
		return nil, core.NewInternalError(nil, "gojob: dequeuer is not configured")
	}
	raw, err := d.queue.Dequeue(ctx)
	if err != nil || raw == nil {
		return nil, err
	}
	return NewDelivery(raw, d.policy), nil
}

// Delivery applies the retry policy to every nack of a go-job delivery.
type Delivery struct {
	raw    queue.Delivery
	policy RetryPolicy
}

func NewDelivery(raw queue.Delivery, policy RetryPolicy) *Delivery {
	return &Delivery{raw: raw, policy: policy}
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	if d == nil || d.raw == nil {
		return nil
	}
	return fromQueueMessage(d.raw.Message())
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return core.NewInternalError(nil, "gojob: delivery is not configured")
	}
	return d.raw.Ack(ctx)
}

func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	return d.NackForAttempt(ctx, opts, 0)
}

// NackForAttempt is picked up by core.JobRunner so retries are bounded by
// the attempt that failed.
func (d *Delivery) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.raw == nil {
		return core.NewInternalError(nil, "gojob: delivery is not configured")
	}
	bounded := d.policy.Bound(opts, attempt)
	return d.raw.Nack(ctx, queue.NackOptions{
		Delay:      bounded.Delay,
		Requeue:    bounded.Requeue,
		DeadLetter: bounded.DeadLetter,
		Reason:     bounded.Reason,
	})
}

var (
	_ core.JobEnqueuer = (*Enqueuer)(nil)
	_ core.JobDequeuer = (*Dequeuer)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
)
