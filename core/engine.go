package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-purchases/observable"
)

var (
	ErrEngineClosed     = errors.New("core: engine is closed")
	ErrEngineNotStarted = errors.New("core: engine is not started")
)

// Engine orchestrates catalog refresh, purchase launch and purchase
// reconciliation over injected collaborators. Its public methods return
// promptly; results arrive through the state store subjects.
type Engine struct {
	mu sync.RWMutex

	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	backendFactory  BackendFactory

	catalogClient CatalogClient
	gateway       MarketplaceGateway
	ledger        EntitlementLedger
	store         *StateStore
	reconciler    *Reconciler
	telemetry     *telemetry

	haltCause error
	connected bool

	connectMu sync.Mutex

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	closed   bool
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	builder := defaultEngineBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("purchases", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("purchases"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}
	if builder.store == nil {
		builder.store = NewStateStore()
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if builder.gateway == nil {
		return nil, mapBuildError(builder.errorMapper, NewBadInputError("core: marketplace gateway is required", nil))
	}
	catalogClient := builder.catalogClient
	verificationClient := builder.verificationClient
	if catalogClient == nil || verificationClient == nil {
		if builder.backendFactory == nil {
			return nil, mapBuildError(builder.errorMapper,
				NewBadInputError("core: backend clients or a backend factory are required", nil))
		}
		builtCatalog, builtVerifier, buildErr := builder.backendFactory(finalConfig.Backend)
		if buildErr != nil {
			return nil, mapBuildError(builder.errorMapper, buildErr)
		}
		if catalogClient == nil {
			catalogClient = builtCatalog
		}
		if verificationClient == nil {
			verificationClient = builtVerifier
		}
	}

	lifetime, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		configProvider:  builder.configProvider,
		optionsResolver: builder.optionsResolver,
		backendFactory:  builder.backendFactory,
		catalogClient:   catalogClient,
		gateway:         builder.gateway,
		ledger:          builder.ledger,
		store:           builder.store,
		lifetime:        lifetime,
		cancel:          cancel,
		telemetry: &telemetry{
			logger:          logger,
			metricsRecorder: builder.metricsRecorder,
			store:           builder.store,
			clock:           builder.clock,
		},
	}
	engine.reconciler = NewReconciler(ReconcilerConfig{
		Workers:               finalConfig.Workers,
		VerifyTimeout:         finalConfig.Timeouts.Verify,
		AcknowledgeTimeout:    finalConfig.Timeouts.Acknowledge,
		ClientAcknowledgement: finalConfig.ClientAcknowledgement(),
		Acknowledger:          builder.gateway,
		Logger:                logger,
		MetricsRecorder:       builder.metricsRecorder,
		Clock:                 builder.clock,
		Gate:                  engine.backendGate,
		OnFatal:               engine.halt,
		OnSettled:             engine.persistEntry,
	}, verificationClient, builder.store)
	return engine, nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

func (e *Engine) Store() *StateStore {
	if e == nil {
		return nil
	}
	return e.store
}

func (e *Engine) Reconciler() *Reconciler {
	if e == nil {
		return nil
	}
	return e.reconciler
}

func (e *Engine) Logger() Logger {
	if e == nil {
		return glog.Nop()
	}
	return e.logger
}

// Start hydrates persisted state, starts the purchase update pump and
// connects to the marketplace in the background. It does not wait for the
// connection.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("core: engine is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.hydrate(ctx)

	updates := e.gateway.PurchaseUpdates()
	if updates != nil {
		e.spawn(func(ctx context.Context) { e.pumpUpdates(ctx, updates) })
	}
	if notifier, ok := e.gateway.(DisconnectNotifier); ok {
		if disconnects := notifier.Disconnects(); disconnects != nil {
			e.spawn(func(ctx context.Context) { e.watchDisconnects(ctx, disconnects) })
		}
	}
	e.spawn(func(ctx context.Context) {
		fresh, err := e.ensureConnected(ctx)
		if err != nil || !fresh {
			return
		}
		_ = e.RefreshPurchasesSync(ctx)
	})
	cfg := e.Config()
	e.telemetry.logInfo(ctx, "purchases engine started", map[string]any{
		"service_name":    cfg.ServiceName,
		"platform":        cfg.Platform,
		"acknowledgement": cfg.Acknowledgement,
		"api_key":         cfg.Backend.RedactedAPIKey(),
	})
	return nil
}

func (e *Engine) hydrate(ctx context.Context) {
	if e.ledger == nil {
		return
	}
	startedAt := time.Now()
	snapshot, ok, err := e.ledger.LoadCatalog(ctx)
	if err == nil && ok {
		e.store.PublishCatalog(snapshot)
	}
	if err != nil {
		e.telemetry.logWarn(ctx, "ledger catalog load failed", map[string]any{"error": err.Error()})
	}

	entries, entriesErr := e.ledger.LoadEntries(ctx)
	if entriesErr == nil && len(entries) > 0 {
		// Generations restart per process; hydrated entries must never
		// outrank a fresh settle.
		for i := range entries {
			entries[i].Generation = 0
		}
		e.store.PublishEntitlements(NewEntitlementView(entries...))
	}
	e.telemetry.observeOperation(ctx, startedAt, "hydrate", errors.Join(err, entriesErr), map[string]any{
		"catalog":      ok,
		"entitlements": len(entries),
	})
}

func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		fn(e.lifetime)
	}()
	return true
}

func (e *Engine) pumpUpdates(ctx context.Context, updates <-chan PurchaseUpdateEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-updates:
			if !ok {
				return
			}
			e.handleUpdate(ctx, event)
		}
	}
}

func (e *Engine) handleUpdate(ctx context.Context, event PurchaseUpdateEvent) {
	fields := map[string]any{
		"result":  string(event.Result),
		"records": len(event.Records),
		"debug":   event.DebugMessage,
	}
	switch event.Result {
	case ResultOK:
		e.reconciler.Submit(SourceUpdateStream, event.Records)
	case ResultUserCanceled:
		e.telemetry.logInfo(ctx, "purchase canceled by user", fields)
		e.telemetry.diagnose(LogLevelInfo, "purchase.user_canceled", "purchase canceled by user",
			NewUserCanceledError("core: purchase canceled by user", nil), fields)
	default:
		err := NewMarketplaceUnavailableError(nil, "core: purchase update reported a failure", fields)
		e.telemetry.logWarn(ctx, "purchase update failed", fields)
		e.telemetry.diagnose(LogLevelWarn, "purchase.update_failed", "purchase update failed", err, fields)
	}
}

func (e *Engine) watchDisconnects(ctx context.Context, disconnects <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case cause, ok := <-disconnects:
			if !ok {
				return
			}
			e.connectMu.Lock()
			e.connected = false
			e.connectMu.Unlock()
			err := NewMarketplaceUnavailableError(cause, "core: marketplace disconnected", nil)
			fields := map[string]any{}
			if cause != nil {
				fields["error"] = cause.Error()
			}
			e.telemetry.logWarn(ctx, "marketplace disconnected", fields)
			e.telemetry.diagnose(LogLevelWarn, "marketplace.disconnected", "marketplace disconnected", err, fields)
		}
	}
}

// ensureConnected connects the gateway when no live connection exists.
// fresh reports whether this call established the connection.
func (e *Engine) ensureConnected(ctx context.Context) (fresh bool, err error) {
	e.connectMu.Lock()
	defer e.connectMu.Unlock()
	if e.connected {
		return false, nil
	}
	startedAt := time.Now()
	result, err := e.gateway.Connect(ctx)
	if err == nil && !result.OK() {
		err = NewMarketplaceUnavailableError(nil, "core: marketplace connection refused", map[string]any{
			"result": string(result.Result),
			"debug":  result.DebugMessage,
		})
	}
	if err != nil && KindOf(err) == KindInternal {
		err = NewMarketplaceUnavailableError(err, "core: marketplace connection failed", nil)
	}
	e.telemetry.observeOperation(ctx, startedAt, "connect", err, nil)
	if err != nil {
		return false, err
	}
	e.connected = true
	return true, nil
}

// Connected reports whether the marketplace connection is believed live.
func (e *Engine) Connected() bool {
	if e == nil {
		return false
	}
	e.connectMu.Lock()
	defer e.connectMu.Unlock()
	return e.connected
}

func (e *Engine) connectAndQuery(ctx context.Context) error {
	fresh, err := e.ensureConnected(ctx)
	if err != nil {
		return err
	}
	if fresh {
		e.spawn(func(ctx context.Context) { _ = e.RefreshPurchasesSync(ctx) })
	}
	return nil
}

func (e *Engine) ready() error {
	if e == nil {
		return fmt.Errorf("core: engine is not configured")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	if !e.started {
		return ErrEngineNotStarted
	}
	return nil
}

// RefreshCatalog schedules a catalog refresh. The outcome is published on
// the catalog subject, failures on the diagnostic stream.
func (e *Engine) RefreshCatalog(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.backendGate(); err != nil {
		return err
	}
	e.spawn(func(ctx context.Context) { _, _ = e.RefreshCatalogSync(ctx) })
	return nil
}

// RefreshCatalogSync fetches the backend catalog, resolves it against the
// marketplace and publishes the joined snapshot. Any failure leaves the
// published snapshot untouched.
func (e *Engine) RefreshCatalogSync(ctx context.Context) (snapshot CatalogSnapshot, err error) {
	if readyErr := e.ready(); readyErr != nil {
		return CatalogSnapshot{}, readyErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now()
	fields := map[string]any{}
	defer func() {
		e.telemetry.observeOperation(ctx, startedAt, "catalog_refresh", err, fields)
	}()

	if err = e.backendGate(); err != nil {
		return CatalogSnapshot{}, err
	}

	timeout := e.Config().Timeouts.Catalog
	if timeout <= 0 {
		timeout = defaultCatalogTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	fetched, err := e.currentCatalogClient().FetchCatalog(fetchCtx)
	deadlineHit := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if deadlineHit && KindOf(err) == KindTransient {
			err = NewTransientError(err, "core: catalog fetch timed out", nil)
		}
		if KindOf(err) == KindFatalConfig {
			e.halt(err)
		}
		return CatalogSnapshot{}, e.mapError(err)
	}
	e.store.PublishBackendCatalog(fetched)
	ids := fetched.OfferIDs()
	fields["requested"] = len(ids)

	if err = e.connectAndQuery(ctx); err != nil {
		return CatalogSnapshot{}, e.mapError(err)
	}
	offers := []ProductOffer{}
	if len(ids) > 0 {
		offers, err = e.gateway.ResolveOffers(ctx, ids)
		if err != nil {
			if KindOf(err) == KindInternal {
				err = NewMarketplaceUnavailableError(err, "core: marketplace offer resolution failed", nil)
			}
			return CatalogSnapshot{}, e.mapError(err)
		}
	}

	joined := joinOffers(ids, offers)
	fields["resolved"] = len(joined)
	if len(joined) == 0 {
		noOffers := NewNoOffersError(ids)
		e.telemetry.diagnose(LogLevelWarn, "catalog.no_offers", "marketplace resolved no offers", noOffers, map[string]any{
			"requested": strings.Join(ids, ","),
		})
		return CatalogSnapshot{}, noOffers
	}

	fetched.Offers = joined
	fetched.FetchedAt = e.telemetry.now()
	if strings.TrimSpace(fetched.Platform) == "" {
		fetched.Platform = e.Config().Platform
	}
	e.store.PublishCatalog(fetched)
	e.persistCatalog(ctx, fetched)
	return fetched.Clone(), nil
}

// joinOffers keeps the backend catalog order and drops ids the marketplace
// could not resolve.
func joinOffers(ids []string, offers []ProductOffer) []ProductOffer {
	byID := make(map[string]ProductOffer, len(offers))
	for _, offer := range offers {
		byID[strings.TrimSpace(offer.ID)] = offer
	}
	joined := make([]ProductOffer, 0, len(ids))
	for _, id := range ids {
		if offer, ok := byID[strings.TrimSpace(id)]; ok {
			joined = append(joined, offer)
		}
	}
	return joined
}

// Purchase validates offerID against the current catalog and launches the
// purchase flow in the background. Unknown offers are rejected before the
// marketplace is contacted.
func (e *Engine) Purchase(ctx context.Context, offerID string, ui UIHandle) error {
	if err := e.ready(); err != nil {
		return err
	}
	offerID = strings.TrimSpace(offerID)
	if offerID == "" {
		return NewBadInputError("core: offer id is required", nil)
	}
	snapshot, ok := e.store.Catalog()
	if !ok {
		return NewUnknownProductError(offerID)
	}
	if _, found := snapshot.Offer(offerID); !found {
		return NewUnknownProductError(offerID)
	}
	e.spawn(func(ctx context.Context) { _ = e.launchPurchase(ctx, offerID, ui) })
	return nil
}

func (e *Engine) launchPurchase(ctx context.Context, offerID string, ui UIHandle) (err error) {
	startedAt := time.Now()
	fields := map[string]any{"offer_id": offerID}
	defer func() {
		e.telemetry.observeOperation(ctx, startedAt, "purchase_launch", err, fields)
	}()

	if err = e.connectAndQuery(ctx); err != nil {
		return err
	}
	offers, err := e.gateway.ResolveOffers(ctx, []string{offerID})
	if err != nil {
		if KindOf(err) == KindInternal {
			err = NewMarketplaceUnavailableError(err, "core: marketplace offer resolution failed", nil)
		}
		return err
	}
	resolved := joinOffers([]string{offerID}, offers)
	if len(resolved) == 0 {
		return NewUnknownProductError(offerID)
	}
	if err = e.gateway.LaunchPurchase(ctx, resolved[0], ui); err != nil && KindOf(err) == KindInternal {
		err = NewMarketplaceUnavailableError(err, "core: purchase launch failed", nil)
	}
	return err
}

// RefreshPurchases schedules a query of existing purchases.
func (e *Engine) RefreshPurchases(ctx context.Context) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.spawn(func(ctx context.Context) { _ = e.RefreshPurchasesSync(ctx) })
	return nil
}

// RefreshPurchasesSync queries existing purchases, reconciles them and waits
// for the verification batch to settle.
func (e *Engine) RefreshPurchasesSync(ctx context.Context) (err error) {
	if readyErr := e.ready(); readyErr != nil {
		return readyErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startedAt := time.Now()
	fields := map[string]any{"source": string(SourceQuery)}
	defer func() {
		e.telemetry.observeOperation(ctx, startedAt, "purchases_refresh", err, fields)
	}()

	if _, err = e.ensureConnected(ctx); err != nil {
		return err
	}
	records, err := e.gateway.QueryExistingPurchases(ctx)
	if err != nil {
		if KindOf(err) == KindInternal {
			err = NewMarketplaceUnavailableError(err, "core: existing purchase query failed", nil)
		}
		return err
	}
	fields["records"] = len(records)
	receipt := e.reconciler.Submit(SourceQuery, records)
	fields["accepted"] = len(receipt.Accepted)
	fields["coalesced"] = len(receipt.Coalesced)
	return receipt.Wait(ctx)
}

// SubmitPurchases feeds records obtained outside the gateway into the same
// reconciliation path as marketplace events.
func (e *Engine) SubmitPurchases(ctx context.Context, records []PurchaseRecord) (*SubmitReceipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, NewBadInputError("core: at least one purchase record is required", nil)
	}
	return e.reconciler.Submit(SourceManual, records), nil
}

func (e *Engine) Catalog() (CatalogSnapshot, bool) {
	if e == nil {
		return CatalogSnapshot{}, false
	}
	return e.store.Catalog()
}

// BackendCatalog returns the last catalog fetched from the backend, before
// offers were resolved against the marketplace.
func (e *Engine) BackendCatalog() (CatalogSnapshot, bool) {
	if e == nil {
		return CatalogSnapshot{}, false
	}
	return e.store.BackendCatalog()
}

func (e *Engine) Entitlements() EntitlementView {
	if e == nil {
		return NewEntitlementView()
	}
	return e.store.Entitlements()
}

func (e *Engine) SubscribeCatalog() *observable.Subscription[CatalogSnapshot] {
	return e.store.SubscribeCatalog()
}

func (e *Engine) SubscribeBackendCatalog() *observable.Subscription[CatalogSnapshot] {
	return e.store.SubscribeBackendCatalog()
}

func (e *Engine) SubscribeEntitlements() *observable.Subscription[EntitlementView] {
	return e.store.SubscribeEntitlements()
}

func (e *Engine) SubscribeDiagnostics() *observable.Subscription[DiagnosticEvent] {
	return e.store.SubscribeDiagnostics()
}

// Halted reports whether a configuration failure stopped backend traffic.
func (e *Engine) Halted() bool {
	return e.HaltCause() != nil
}

func (e *Engine) HaltCause() error {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.haltCause
}

func (e *Engine) halt(cause error) {
	e.mu.Lock()
	already := e.haltCause != nil
	if !already {
		e.haltCause = cause
	}
	e.mu.Unlock()
	if already {
		return
	}
	fields := map[string]any{"error": fmt.Sprint(cause)}
	e.telemetry.logError(e.lifetime, "backend configuration rejected; halting backend calls", fields)
	e.telemetry.diagnose(LogLevelError, "engine.halted", "backend configuration rejected", cause, fields)
}

func (e *Engine) backendGate() error {
	if cause := e.HaltCause(); cause != nil {
		return NewHaltedError(cause)
	}
	return nil
}

// Reconfigure applies new backend settings, rebuilds the backend clients
// and lifts a halt.
func (e *Engine) Reconfigure(cfg Config) error {
	if e == nil {
		return fmt.Errorf("core: engine is not configured")
	}
	startedAt := time.Now()
	err := e.reconfigure(cfg)
	e.telemetry.observeOperation(e.lifetime, startedAt, "reconfigure", err, nil)
	return err
}

func (e *Engine) reconfigure(cfg Config) error {
	if e.backendFactory == nil {
		return NewBadInputError("core: reconfigure requires a backend factory", nil)
	}
	current := e.Config()
	resolved, err := e.optionsResolver.Resolve(DefaultConfig(), current, cfg)
	if err != nil {
		return e.mapError(err)
	}
	catalogClient, verificationClient, err := e.backendFactory(resolved.Backend)
	if err != nil {
		return e.mapError(err)
	}
	e.mu.Lock()
	e.config.Backend = resolved.Backend
	e.config.Timeouts = resolved.Timeouts
	e.catalogClient = catalogClient
	e.haltCause = nil
	e.mu.Unlock()
	e.reconciler.SetVerifier(verificationClient)
	e.reconciler.SetTimeouts(resolved.Timeouts.Verify, resolved.Timeouts.Acknowledge)
	return nil
}

func (e *Engine) currentCatalogClient() CatalogClient {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.catalogClient
}

func (e *Engine) persistEntry(ctx context.Context, entry EntitlementEntry) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.SaveEntry(ctx, entry); err != nil {
		e.telemetry.logWarn(ctx, "ledger entry save failed", map[string]any{
			"token": entry.Purchase.Token,
			"error": err.Error(),
		})
	}
}

func (e *Engine) persistCatalog(ctx context.Context, snapshot CatalogSnapshot) {
	if e.ledger == nil {
		return
	}
	if err := e.ledger.SaveCatalog(ctx, snapshot); err != nil {
		e.telemetry.logWarn(ctx, "ledger catalog save failed", map[string]any{"error": err.Error()})
	}
}

func (e *Engine) mapError(err error) error {
	if err == nil {
		return nil
	}
	if e == nil || e.errorMapper == nil {
		return err
	}
	mapped := e.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

// Close cancels background work, waits for it and closes the subjects.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.reconciler.Close()
	e.wg.Wait()
	e.store.Close()
	return nil
}
