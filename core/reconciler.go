package core

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

var ErrReconcilerClosed = errors.New("core: reconciler is closed")

type JobState string

const (
	JobVerifying     JobState = "verifying"
	JobAcknowledging JobState = "acknowledging"
	JobSettled       JobState = "settled"
	JobFailed        JobState = "failed"
	JobSuperseded    JobState = "superseded"
)

type ReconcilerConfig struct {
	Workers               int
	VerifyTimeout         time.Duration
	AcknowledgeTimeout    time.Duration
	ClientAcknowledgement bool
	Acknowledger          Acknowledger
	Logger                Logger
	MetricsRecorder       MetricsRecorder
	Clock                 func() time.Time
	// Gate runs before each verification call; an error fails the batch
	// without contacting the backend.
	Gate func() error
	// OnFatal receives configuration failures reported by the verifier.
	OnFatal func(err error)
	// OnSettled runs after a successful settle was applied to the store.
	OnSettled func(ctx context.Context, entry EntitlementEntry)
}

// Reconciler turns purchase records from any source into verified
// entitlement entries. Each token has at most one live job; a newer event
// for the token supersedes the live job, an identical one is dropped.
type Reconciler struct {
	telemetry *telemetry
	store     *StateStore
	cfg       ReconcilerConfig

	verifierMu sync.RWMutex
	verifier   VerificationClient

	jobs       *xsync.MapOf[string, *reconcileJob]
	generation atomic.Uint64
	pool       *semaphore.Weighted

	verifyTimeout atomic.Int64
	ackTimeout    atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	// admitMu orders admission against Close so no batch is started after
	// Close begins waiting.
	admitMu sync.RWMutex
	wg      sync.WaitGroup
	closed  atomic.Bool
}

type reconcileJob struct {
	token      string
	record     PurchaseRecord
	generation uint64
	source     PurchaseSource
	batch      *verifyBatch

	mu    sync.Mutex
	state JobState
}

func (j *reconcileJob) setState(state JobState) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}

func (j *reconcileJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// verifyBatch groups the jobs admitted by one Submit into a single
// verification call. live counts the batch's current jobs plus one
// admission reference held until Submit has admitted every record, so the
// context is cancelled only once admission is sealed and every job in it
// has been superseded.
type verifyBatch struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	live   atomic.Int64
	done   chan struct{}
	err    error
}

func (b *verifyBatch) release() {
	if b.live.Add(-1) <= 0 {
		b.cancel()
	}
}

func (b *verifyBatch) finish(err error) {
	b.err = err
	b.cancel()
	close(b.done)
}

// SubmitReceipt reports how each submitted token was admitted.
type SubmitReceipt struct {
	BatchID    string
	Accepted   []string
	Coalesced  []string
	Superseded []string

	done  <-chan struct{}
	batch *verifyBatch
	err   error
}

// Done is closed once the verification batch has settled.
func (r *SubmitReceipt) Done() <-chan struct{} {
	if r == nil || r.done == nil {
		return closedSignal
	}
	return r.done
}

// Wait blocks until the batch settles and returns its verification error.
func (r *SubmitReceipt) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.batch == nil {
		return nil
	}
	return r.batch.err
}

var closedSignal = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func NewReconciler(cfg ReconcilerConfig, verifier VerificationClient, store *StateStore) *Reconciler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU() * 2
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = defaultVerifyTimeout
	}
	if cfg.AcknowledgeTimeout <= 0 {
		cfg.AcknowledgeTimeout = defaultAcknowledgeTimeout
	}
	if cfg.MetricsRecorder == nil {
		cfg.MetricsRecorder = NopMetricsRecorder{}
	}
	if store == nil {
		store = NewStateStore()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		telemetry: &telemetry{
			logger:          cfg.Logger,
			metricsRecorder: cfg.MetricsRecorder,
			store:           store,
			clock:           cfg.Clock,
		},
		store:    store,
		cfg:      cfg,
		verifier: verifier,
		jobs:     xsync.NewMapOf[string, *reconcileJob](),
		pool:     semaphore.NewWeighted(int64(cfg.Workers)),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	r.SetTimeouts(cfg.VerifyTimeout, cfg.AcknowledgeTimeout)
	return r
}

// SetTimeouts changes the verify and acknowledge deadlines for batches that
// start afterwards. Non-positive values leave the current setting.
func (r *Reconciler) SetTimeouts(verify, acknowledge time.Duration) {
	if r == nil {
		return
	}
	if verify > 0 {
		r.verifyTimeout.Store(int64(verify))
	}
	if acknowledge > 0 {
		r.ackTimeout.Store(int64(acknowledge))
	}
}

// Timeouts reports the verify and acknowledge deadlines in effect.
func (r *Reconciler) Timeouts() (time.Duration, time.Duration) {
	if r == nil {
		return 0, 0
	}
	return time.Duration(r.verifyTimeout.Load()), time.Duration(r.ackTimeout.Load())
}

// SetVerifier swaps the verification client used by later batches.
func (r *Reconciler) SetVerifier(verifier VerificationClient) {
	if r == nil {
		return
	}
	r.verifierMu.Lock()
	r.verifier = verifier
	r.verifierMu.Unlock()
}

func (r *Reconciler) currentVerifier() VerificationClient {
	r.verifierMu.RLock()
	defer r.verifierMu.RUnlock()
	return r.verifier
}

// Submit admits records into reconciliation and returns immediately.
// Records from the update stream, the purchase query and manual submission
// all enter here.
func (r *Reconciler) Submit(source PurchaseSource, records []PurchaseRecord) *SubmitReceipt {
	if r == nil {
		return &SubmitReceipt{err: ErrReconcilerClosed}
	}
	r.admitMu.RLock()
	defer r.admitMu.RUnlock()
	if r.closed.Load() {
		return &SubmitReceipt{err: ErrReconcilerClosed}
	}

	ordered, duplicates := collapseByToken(records)
	batch := r.openBatch()
	receipt := &SubmitReceipt{BatchID: batch.id, Coalesced: duplicates}

	jobs := make([]*reconcileJob, 0, len(ordered))
	for _, record := range ordered {
		job, coalesced, superseded := r.admit(source, record, batch)
		switch {
		case coalesced:
			receipt.Coalesced = append(receipt.Coalesced, record.Token)
			r.telemetry.recordCounter(r.baseCtx, MetricReconcileCoalesced, 1, map[string]string{"source": string(source)})
			r.telemetry.logDebug(r.baseCtx, "reconcile event coalesced", map[string]any{
				"token":  record.Token,
				"source": string(source),
			})
			continue
		case superseded:
			receipt.Superseded = append(receipt.Superseded, record.Token)
			r.telemetry.recordCounter(r.baseCtx, MetricReconcileSuperseded, 1, map[string]string{"source": string(source)})
		}
		receipt.Accepted = append(receipt.Accepted, record.Token)
		jobs = append(jobs, job)
	}
	for range duplicates {
		r.telemetry.recordCounter(r.baseCtx, MetricReconcileCoalesced, 1, map[string]string{"source": string(source)})
	}

	batch.release()
	if len(jobs) == 0 {
		return receipt
	}
	receipt.done = batch.done
	receipt.batch = batch

	r.wg.Add(1)
	go r.runBatch(source, batch, jobs)
	return receipt
}

// openBatch returns a batch holding its admission reference. The caller
// releases it once every record has been admitted.
func (r *Reconciler) openBatch() *verifyBatch {
	ctx, cancel := context.WithCancel(r.baseCtx)
	batch := &verifyBatch{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	batch.live.Add(1)
	return batch
}

func (r *Reconciler) admit(source PurchaseSource, record PurchaseRecord, batch *verifyBatch) (*reconcileJob, bool, bool) {
	var (
		job        *reconcileJob
		coalesced  bool
		superseded bool
	)
	r.jobs.Compute(record.Token, func(existing *reconcileJob, loaded bool) (*reconcileJob, bool) {
		if loaded && existing.record.SameEvent(record) {
			coalesced = true
			return existing, false
		}
		if loaded {
			superseded = true
			existing.setState(JobSuperseded)
			existing.batch.release()
		}
		job = &reconcileJob{
			token:      record.Token,
			record:     record.Clone(),
			generation: r.generation.Add(1),
			source:     source,
			batch:      batch,
			state:      JobVerifying,
		}
		batch.live.Add(1)
		return job, false
	})
	return job, coalesced, superseded
}

func (r *Reconciler) runBatch(source PurchaseSource, batch *verifyBatch, jobs []*reconcileJob) {
	defer r.wg.Done()
	startedAt := time.Now()
	err := r.verifyBatch(batch, jobs)
	if !r.closed.Load() {
		r.telemetry.observeOperation(r.baseCtx, startedAt, "reconcile", err, map[string]any{
			"batch_id": batch.id,
			"source":   string(source),
			"tokens":   len(jobs),
		})
	}
	batch.finish(err)
}

func (r *Reconciler) verifyBatch(batch *verifyBatch, jobs []*reconcileJob) error {
	if err := r.pool.Acquire(batch.ctx, 1); err != nil {
		r.discardAll(jobs)
		return nil
	}
	defer r.pool.Release(1)

	if r.cfg.Gate != nil {
		if err := r.cfg.Gate(); err != nil {
			r.failAll(jobs, err)
			return err
		}
	}

	live := make([]*reconcileJob, 0, len(jobs))
	records := make([]PurchaseRecord, 0, len(jobs))
	for _, job := range jobs {
		if r.isCurrent(job) {
			live = append(live, job)
			records = append(records, job.record.Clone())
		}
	}
	if len(live) == 0 {
		r.discardAll(jobs)
		return nil
	}

	verifier := r.currentVerifier()
	if verifier == nil {
		err := NewInternalError(nil, "core: verification client is not configured")
		r.failAll(live, err)
		return err
	}

	verifyTimeout, _ := r.Timeouts()
	verifyCtx, cancel := context.WithTimeout(batch.ctx, verifyTimeout)
	entitlements, err := verifier.Verify(verifyCtx, records)
	deadlineHit := errors.Is(verifyCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if batch.ctx.Err() != nil || r.closed.Load() {
			r.discardAll(jobs)
			return nil
		}
		err = normalizeVerifyError(err, deadlineHit)
		if KindOf(err) == KindFatalConfig && r.cfg.OnFatal != nil {
			r.cfg.OnFatal(err)
		}
		r.failAll(live, err)
		return err
	}

	r.settleAll(live, entitlements)
	return nil
}

func normalizeVerifyError(err error, deadlineHit bool) error {
	if err == nil {
		return nil
	}
	if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
		if KindOf(err) == KindTransient {
			return NewTransientError(err, "core: verification timed out", nil)
		}
	}
	return err
}

// matchEntitlement returns the first entitlement whose product scope
// intersects the record's product ids.
func matchEntitlement(record PurchaseRecord, entitlements []VerifiedEntitlement) *VerifiedEntitlement {
	for _, entitlement := range entitlements {
		if entitlement.Covers(record) {
			matched := entitlement.Clone()
			return &matched
		}
	}
	return nil
}

// settleAll claims every still-current job, then merges their entries into
// the view with one publish.
func (r *Reconciler) settleAll(jobs []*reconcileJob, entitlements []VerifiedEntitlement) {
	claimed := make([]*reconcileJob, 0, len(jobs))
	entries := make([]EntitlementEntry, 0, len(jobs))
	for _, job := range jobs {
		entry := r.acknowledge(job, matchEntitlement(job.record, entitlements))
		if !r.claim(job) {
			r.discard(job)
			continue
		}
		claimed = append(claimed, job)
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return
	}

	_, applied := r.store.MergeEntitlements(entries)
	for i, job := range claimed {
		if !applied[i] {
			r.discard(job)
			continue
		}
		job.setState(JobSettled)
		r.telemetry.logDebug(r.baseCtx, "reconcile settled", map[string]any{
			"token":      job.token,
			"generation": job.generation,
			"verified":   entries[i].Entitlement != nil,
		})
		if r.cfg.OnSettled != nil {
			r.cfg.OnSettled(r.baseCtx, entries[i].Clone())
		}
	}
}

// acknowledge builds the settled entry for job, acknowledging the purchase
// on the device first when that is enabled. Acknowledge failures are
// logged and do not block the settle.
func (r *Reconciler) acknowledge(job *reconcileJob, entitlement *VerifiedEntitlement) EntitlementEntry {
	entry := EntitlementEntry{
		Purchase:    job.record.Clone(),
		Entitlement: entitlement,
		Generation:  job.generation,
	}

	if r.cfg.ClientAcknowledgement && r.cfg.Acknowledger != nil && !job.record.Acknowledged && r.isCurrent(job) {
		job.setState(JobAcknowledging)
		_, ackTimeout := r.Timeouts()
		ackCtx, cancel := context.WithTimeout(job.batch.ctx, ackTimeout)
		ackErr := r.cfg.Acknowledger.AcknowledgeLocally(ackCtx, job.token)
		cancel()
		if ackErr != nil {
			fields := map[string]any{"token": job.token, "generation": job.generation, "error": ackErr.Error()}
			r.telemetry.logWarn(r.baseCtx, "reconcile acknowledge failed", fields)
			r.telemetry.diagnose(LogLevelWarn, "reconcile.acknowledge", "acknowledge failed", ackErr, fields)
		} else {
			entry.Purchase.Acknowledged = true
		}
	}
	entry.SettledAt = r.telemetry.now()
	return entry
}

// claim removes job from the live set if it is still the token's current
// job. A job admitted after the claim carries a higher generation, so the
// store's generation check keeps the newer result whichever merges first.
func (r *Reconciler) claim(job *reconcileJob) bool {
	current := false
	r.jobs.Compute(job.token, func(existing *reconcileJob, loaded bool) (*reconcileJob, bool) {
		if !loaded {
			return nil, true
		}
		if existing != job || job.State() == JobSuperseded {
			return existing, false
		}
		current = true
		return nil, true
	})
	return current
}

func (r *Reconciler) failAll(jobs []*reconcileJob, err error) {
	for _, job := range jobs {
		r.fail(job, err)
	}
}

// fail ends a job without touching the published view; a prior entry for
// the token stays in place.
func (r *Reconciler) fail(job *reconcileJob, err error) {
	if !r.claim(job) {
		r.discard(job)
		return
	}
	job.setState(JobFailed)
	fields := map[string]any{
		"token":      job.token,
		"generation": job.generation,
		"source":     string(job.source),
		"error":      err.Error(),
	}
	r.telemetry.logWarn(r.baseCtx, "reconcile verification failed", fields)
	r.telemetry.diagnose(LogLevelError, "reconcile.verify", "verification failed", err, fields)
}

func (r *Reconciler) discardAll(jobs []*reconcileJob) {
	for _, job := range jobs {
		r.jobs.Compute(job.token, func(existing *reconcileJob, loaded bool) (*reconcileJob, bool) {
			if !loaded {
				return nil, true
			}
			if existing == job {
				return nil, true
			}
			return existing, false
		})
		r.discard(job)
	}
}

func (r *Reconciler) discard(job *reconcileJob) {
	if job.State() != JobSuperseded {
		job.setState(JobSuperseded)
	}
	if r.closed.Load() {
		return
	}
	r.telemetry.recordCounter(r.baseCtx, MetricReconcileStaleDiscarded, 1, map[string]string{"source": string(job.source)})
	r.telemetry.logDebug(r.baseCtx, "reconcile stale result discarded", map[string]any{
		"token":      job.token,
		"generation": job.generation,
	})
}

func (r *Reconciler) isCurrent(job *reconcileJob) bool {
	existing, ok := r.jobs.Load(job.token)
	return ok && existing == job && job.State() != JobSuperseded
}

// InFlight reports the live job for token, if any.
func (r *Reconciler) InFlight(token string) (PurchaseRecord, uint64, bool) {
	if r == nil {
		return PurchaseRecord{}, 0, false
	}
	job, ok := r.jobs.Load(strings.TrimSpace(token))
	if !ok {
		return PurchaseRecord{}, 0, false
	}
	return job.record.Clone(), job.generation, true
}

func (r *Reconciler) InFlightCount() int {
	if r == nil {
		return 0
	}
	return r.jobs.Size()
}

// Close cancels every live job and waits for running batches to return.
func (r *Reconciler) Close() {
	if r == nil {
		return
	}
	r.admitMu.Lock()
	first := r.closed.CompareAndSwap(false, true)
	r.admitMu.Unlock()
	if !first {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.jobs.Clear()
}

// collapseByToken keeps the last record per token in first-seen order and
// reports the tokens of the dropped duplicates.
func collapseByToken(records []PurchaseRecord) ([]PurchaseRecord, []string) {
	index := map[string]int{}
	ordered := make([]PurchaseRecord, 0, len(records))
	duplicates := []string{}
	for _, record := range records {
		record.Token = strings.TrimSpace(record.Token)
		if record.Token == "" {
			continue
		}
		if position, ok := index[record.Token]; ok {
			ordered[position] = record
			duplicates = append(duplicates, record.Token)
			continue
		}
		index[record.Token] = len(ordered)
		ordered = append(ordered, record)
	}
	return ordered, duplicates
}
