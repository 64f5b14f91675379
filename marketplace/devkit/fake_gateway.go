// Package devkit provides in-memory marketplace and backend fakes for tests
// and local development.
package devkit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-purchases/core"
)

const defaultUpdateBuffer = 16

// LaunchOutcome decides what a FakeGateway reports after a purchase flow.
type LaunchOutcome int

const (
	// LaunchCompletes emits a new purchase record on the update stream.
	LaunchCompletes LaunchOutcome = iota
	// LaunchCanceled emits a user-canceled update with no records.
	LaunchCanceled
	// LaunchSilent records the launch and emits nothing.
	LaunchSilent
)

// FakeGateway is an in-memory billing provider. It resolves offers from a
// fixed table, keeps owned purchases, and publishes updates on demand.
type FakeGateway struct {
	mu          sync.Mutex
	offers      map[string]core.ProductOffer
	owned       []core.PurchaseRecord
	acked       map[string]bool
	launches    []string
	connect     core.ConnectionResult
	connectErr  error
	resolveErr  error
	queryErr    error
	outcome     LaunchOutcome
	packageName string
	connects    int
	updates     chan core.PurchaseUpdateEvent
	disconnects chan error
	now         func() time.Time
}

type GatewayOption func(*FakeGateway)

func WithOffers(offers ...core.ProductOffer) GatewayOption {
	return func(g *FakeGateway) {
		for _, offer := range offers {
			if id := strings.TrimSpace(offer.ID); id != "" {
				g.offers[id] = offer
			}
		}
	}
}

// WithOwned seeds purchases returned by QueryExistingPurchases.
func WithOwned(records ...core.PurchaseRecord) GatewayOption {
	return func(g *FakeGateway) {
		g.owned = append(g.owned, records...)
	}
}

func WithLaunchOutcome(outcome LaunchOutcome) GatewayOption {
	return func(g *FakeGateway) {
		g.outcome = outcome
	}
}

func WithPackageName(name string) GatewayOption {
	return func(g *FakeGateway) {
		if value := strings.TrimSpace(name); value != "" {
			g.packageName = value
		}
	}
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *FakeGateway) {
		if now != nil {
			g.now = now
		}
	}
}

func NewFakeGateway(opts ...GatewayOption) *FakeGateway {
	gateway := &FakeGateway{
		offers:      map[string]core.ProductOffer{},
		acked:       map[string]bool{},
		connect:     core.ConnectionResult{Result: core.ResultOK},
		packageName: "io.example.app",
		updates:     make(chan core.PurchaseUpdateEvent, defaultUpdateBuffer),
		disconnects: make(chan error, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gateway)
		}
	}
	return gateway
}

func (g *FakeGateway) Connect(ctx context.Context) (core.ConnectionResult, error) {
	if err := ctx.Err(); err != nil {
		return core.ConnectionResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connects++
	return g.connect, g.connectErr
}

// ResolveOffers answers in reverse request order, like providers that do
// not preserve it. Unknown ids are omitted.
func (g *FakeGateway) ResolveOffers(ctx context.Context, ids []string) ([]core.ProductOffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolveErr != nil {
		return nil, g.resolveErr
	}
	out := make([]core.ProductOffer, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if offer, ok := g.offers[strings.TrimSpace(ids[i])]; ok {
			out = append(out, offer)
		}
	}
	return out, nil
}

func (g *FakeGateway) LaunchPurchase(ctx context.Context, offer core.ProductOffer, _ core.UIHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	if _, ok := g.offers[offer.ID]; !ok {
		g.mu.Unlock()
		return core.NewUnknownProductError(offer.ID)
	}
	g.launches = append(g.launches, offer.ID)
	outcome := g.outcome
	var event core.PurchaseUpdateEvent
	switch outcome {
	case LaunchCompletes:
		record := core.PurchaseRecord{
			Token:              uuid.NewString(),
			OrderID:            "GPA." + uuid.NewString(),
			PackageName:        g.packageName,
			ProductIDs:         []string{offer.ID},
			PurchaseTimeMillis: g.now().UnixMilli(),
		}
		g.owned = append(g.owned, record)
		event = core.PurchaseUpdateEvent{Result: core.ResultOK, Records: []core.PurchaseRecord{record}}
	case LaunchCanceled:
		event = core.PurchaseUpdateEvent{Result: core.ResultUserCanceled, DebugMessage: "user canceled"}
	}
	g.mu.Unlock()

	if outcome == LaunchSilent {
		return nil
	}
	return g.Emit(ctx, event)
}

func (g *FakeGateway) PurchaseUpdates() <-chan core.PurchaseUpdateEvent {
	return g.updates
}

func (g *FakeGateway) Disconnects() <-chan error {
	return g.disconnects
}

func (g *FakeGateway) QueryExistingPurchases(ctx context.Context) ([]core.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	out := make([]core.PurchaseRecord, 0, len(g.owned))
	for _, record := range g.owned {
		record.ProductIDs = append([]string(nil), record.ProductIDs...)
		record.Acknowledged = record.Acknowledged || g.acked[record.Token]
		out = append(out, record)
	}
	return out, nil
}

func (g *FakeGateway) AcknowledgeLocally(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, record := range g.owned {
		if record.Token == token {
			g.acked[token] = true
			return nil
		}
	}
	return core.NewRejectedError(nil, "devkit: unknown purchase token", map[string]any{"token": token})
}

// Emit publishes event on the update stream. It blocks until the event is
// buffered or ctx ends.
func (g *FakeGateway) Emit(ctx context.Context, event core.PurchaseUpdateEvent) error {
	select {
	case g.updates <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop reports a lost billing connection. Extra drops while one is pending
// are merged.
func (g *FakeGateway) Drop(err error) {
	select {
	case g.disconnects <- err:
	default:
	}
}

func (g *FakeGateway) SetConnectResult(result core.ConnectionResult, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connect = result
	g.connectErr = err
}

func (g *FakeGateway) SetResolveError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolveErr = err
}

func (g *FakeGateway) SetQueryError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryErr = err
}

func (g *FakeGateway) Launches() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.launches...)
}

func (g *FakeGateway) Connects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

func (g *FakeGateway) Acknowledged(token string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acked[token]
}

var (
	_ core.MarketplaceGateway = (*FakeGateway)(nil)
	_ core.DisconnectNotifier = (*FakeGateway)(nil)
)
