package gojob

import (
	"context"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
	"github.com/goliatone/go-purchases/core"
)

// NewRunner builds a core.JobRunner that drains refresh jobs from a go-job
// dequeuer. A zero policy falls back to DefaultRetryPolicy.
func NewRunner(target core.JobTarget, dequeuer queue.Dequeuer, policy RetryPolicy, opts ...core.JobRunnerOption) *core.JobRunner {
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy()
	}
	return core.NewJobRunner(target, NewDequeuer(dequeuer, policy), opts...)
}

// ScheduleCatalogRefresh enqueues a catalog refresh job.
func ScheduleCatalogRefresh(ctx context.Context, enqueuer queue.Enqueuer, idempotencyKey string) error {
	return core.EnqueueRefresh(ctx, NewEnqueuer(enqueuer), JobIDCatalogRefresh, idempotencyKey)
}

// SchedulePurchasesRefresh enqueues a refresh of the marketplace's owned
// purchases.
func SchedulePurchasesRefresh(ctx context.Context, enqueuer queue.Enqueuer, idempotencyKey string) error {
	return core.EnqueueRefresh(ctx, NewEnqueuer(enqueuer), JobIDPurchasesRefresh, idempotencyKey)
}

// Hook reports go-job worker events to a core.JobWorkerHook, for apps that
// run refresh jobs on a go-job worker instead of core.JobRunner.
type Hook struct {
	target core.JobWorkerHook
}

func NewHook(target core.JobWorkerHook) *Hook {
	return &Hook{target: target}
}

func (h *Hook) OnStart(ctx context.Context, event worker.Event) {
	h.emit(ctx, event, core.JobWorkerHook.OnStart)
}

func (h *Hook) OnSuccess(ctx context.Context, event worker.Event) {
	h.emit(ctx, event, core.JobWorkerHook.OnSuccess)
}

func (h *Hook) OnFailure(ctx context.Context, event worker.Event) {
	h.emit(ctx, event, core.JobWorkerHook.OnFailure)
}

func (h *Hook) OnRetry(ctx context.Context, event worker.Event) {
	h.emit(ctx, event, core.JobWorkerHook.OnRetry)
}

func (h *Hook) emit(ctx context.Context, event worker.Event, fn func(core.JobWorkerHook, context.Context, core.JobWorkerEvent)) {
	if h == nil || h.target == nil {
		return
	}
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	fn(h.target, ctx, core.JobWorkerEvent{
		Message:   fromQueueMessage(msg),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	})
}

var _ worker.Hook = (*Hook)(nil)
