package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubLogger struct{}

func (stubLogger) Trace(string, ...any)                {}
func (stubLogger) Debug(string, ...any)                {}
func (stubLogger) Info(string, ...any)                 {}
func (stubLogger) Warn(string, ...any)                 {}
func (stubLogger) Error(string, ...any)                {}
func (stubLogger) Fatal(string, ...any)                {}
func (l stubLogger) WithContext(context.Context) Logger { return l }

type stubLoggerProvider struct {
	logger Logger
}

func (p stubLoggerProvider) GetLogger(string) Logger {
	return p.logger
}

type verifyFunc func(ctx context.Context, records []PurchaseRecord) ([]VerifiedEntitlement, error)

// fakeVerifier records each batch and delegates to a per-call script.
type fakeVerifier struct {
	mu      sync.Mutex
	calls   [][]PurchaseRecord
	scripts []verifyFunc
	started chan []PurchaseRecord
}

func newFakeVerifier(scripts ...verifyFunc) *fakeVerifier {
	return &fakeVerifier{scripts: scripts, started: make(chan []PurchaseRecord, 16)}
}

func (v *fakeVerifier) Verify(ctx context.Context, records []PurchaseRecord) ([]VerifiedEntitlement, error) {
	v.mu.Lock()
	index := len(v.calls)
	v.calls = append(v.calls, append([]PurchaseRecord(nil), records...))
	var script verifyFunc
	switch {
	case index < len(v.scripts):
		script = v.scripts[index]
	case len(v.scripts) > 0:
		script = v.scripts[len(v.scripts)-1]
	}
	v.mu.Unlock()

	select {
	case v.started <- records:
	default:
	}
	if script == nil {
		return entitlementsFor(records), nil
	}
	return script(ctx, records)
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

func entitlementsFor(records []PurchaseRecord) []VerifiedEntitlement {
	out := []VerifiedEntitlement{}
	for _, record := range records {
		for _, productID := range record.ProductIDs {
			out = append(out, VerifiedEntitlement{
				ProductID:       productID,
				PurchaseID:      record.OrderID,
				TransactionDate: record.PurchaseTime(),
				FamilyName:      "premium",
			})
		}
	}
	return out
}

// blockingVerify waits for release, ignoring cancellation, then answers.
func blockingVerify(release <-chan struct{}, family string) verifyFunc {
	return func(_ context.Context, records []PurchaseRecord) ([]VerifiedEntitlement, error) {
		<-release
		out := entitlementsFor(records)
		for i := range out {
			out[i].FamilyName = family
		}
		return out, nil
	}
}

func failingVerify(err error) verifyFunc {
	return func(context.Context, []PurchaseRecord) ([]VerifiedEntitlement, error) {
		return nil, err
	}
}

type fakeCatalogClient struct {
	mu       sync.Mutex
	snapshot CatalogSnapshot
	err      error
	calls    int
}

func (c *fakeCatalogClient) FetchCatalog(context.Context) (CatalogSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return CatalogSnapshot{}, c.err
	}
	return c.snapshot.Clone(), nil
}

func (c *fakeCatalogClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeGateway struct {
	mu         sync.Mutex
	offers     map[string]ProductOffer
	reverse    bool
	resolveErr error
	existing   []PurchaseRecord
	queries    int
	connects   int
	launches   []string
	acks       []string
	ackErr     error
	updates    chan PurchaseUpdateEvent
}

func newFakeGateway(offers ...ProductOffer) *fakeGateway {
	byID := map[string]ProductOffer{}
	for _, offer := range offers {
		byID[offer.ID] = offer
	}
	return &fakeGateway{offers: byID, updates: make(chan PurchaseUpdateEvent, 8)}
}

func (g *fakeGateway) Connect(context.Context) (ConnectionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	return ConnectionResult{Result: ResultOK}, nil
}

func (g *fakeGateway) ResolveOffers(_ context.Context, ids []string) ([]ProductOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolveErr != nil {
		return nil, g.resolveErr
	}
	out := []ProductOffer{}
	for _, id := range ids {
		if offer, ok := g.offers[id]; ok {
			out = append(out, offer)
		}
	}
	if g.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (g *fakeGateway) LaunchPurchase(_ context.Context, offer ProductOffer, _ UIHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.launches = append(g.launches, offer.ID)
	return nil
}

func (g *fakeGateway) PurchaseUpdates() <-chan PurchaseUpdateEvent {
	return g.updates
}

func (g *fakeGateway) QueryExistingPurchases(context.Context) ([]PurchaseRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	return append([]PurchaseRecord(nil), g.existing...), nil
}

func (g *fakeGateway) AcknowledgeLocally(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acks = append(g.acks, token)
	return g.ackErr
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

func (g *fakeGateway) launchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.launches)
}

func (g *fakeGateway) ackCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.acks)
}

func testRecord(token string, orderID string, purchaseTime int64, products ...string) PurchaseRecord {
	if len(products) == 0 {
		products = []string{"monthly"}
	}
	return PurchaseRecord{
		Token:              token,
		OrderID:            orderID,
		PackageName:        "io.example.app",
		ProductIDs:         products,
		PurchaseTimeMillis: purchaseTime,
	}
}

func newTestReconciler(t *testing.T, verifier VerificationClient, cfg ReconcilerConfig) (*Reconciler, *StateStore) {
	t.Helper()
	store := NewStateStore()
	if cfg.Logger == nil {
		cfg.Logger = stubLogger{}
	}
	reconciler := NewReconciler(cfg, verifier, store)
	t.Cleanup(func() {
		reconciler.Close()
		store.Close()
	})
	return reconciler, store
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithLogger(stubLogger{}), WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}})}
	engine, err := NewEngine(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func waitForSignal[T any](t *testing.T, ch <-chan T, label string) T {
	t.Helper()
	select {
	case value := <-ch:
		return value
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", label)
	}
	var zero T
	return zero
}

func eventually(t *testing.T, label string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", label)
}

func mustWait(t *testing.T, receipt *SubmitReceipt) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := receipt.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("timed out waiting for batch %s", receipt.BatchID)
	}
	return err
}

func describeEntry(entry EntitlementEntry) string {
	if entry.Entitlement == nil {
		return fmt.Sprintf("%s/%s unverified", entry.Purchase.Token, entry.Purchase.OrderID)
	}
	return fmt.Sprintf("%s/%s %s", entry.Purchase.Token, entry.Purchase.OrderID, entry.Entitlement.FamilyName)
}
