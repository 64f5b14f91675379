package sqlstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/goliatone/go-purchases/core"
	purchasemigrations "github.com/goliatone/go-purchases/migrations"
	sqlstore "github.com/goliatone/go-purchases/store/sql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-purchases-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"purchase_entitlements",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "purchase_entitlements" {
		t.Fatalf("expected purchase_entitlements table, got %q", tableName)
	}
}

func TestLedger_SaveEntryUpsertsByToken(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	ledger, err := sqlstore.NewLedgerFromPersistence(client)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	pending := core.EntitlementEntry{
		Purchase: core.PurchaseRecord{
			Token:              "tok-1",
			OrderID:            "GPA.1",
			PackageName:        "io.example.app",
			ProductIDs:         []string{"monthly"},
			PurchaseTimeMillis: 1_700_000_000_000,
		},
		Generation: 3,
	}
	if err := ledger.SaveEntry(ctx, pending); err != nil {
		t.Fatalf("save pending entry: %v", err)
	}

	validUntil := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	trial := true
	settled := pending
	settled.Purchase.Acknowledged = true
	settled.Generation = 4
	settled.SettledAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	settled.Entitlement = &core.VerifiedEntitlement{
		ProductID:       "monthly",
		PurchaseID:      "GPA.1",
		TransactionDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ValidUntil:      &validUntil,
		IsTrial:         &trial,
		FamilyName:      "premium",
		Period:          "P1M",
	}
	if err := ledger.SaveEntry(ctx, settled); err != nil {
		t.Fatalf("save settled entry: %v", err)
	}
	older := core.EntitlementEntry{Purchase: core.PurchaseRecord{
		Token:              "tok-0",
		ProductIDs:         []string{"yearly"},
		PurchaseTimeMillis: 1_600_000_000_000,
	}}
	if err := ledger.SaveEntry(ctx, older); err != nil {
		t.Fatalf("save older entry: %v", err)
	}

	entries, err := ledger.LoadEntries(ctx)
	if err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected one row per token, got %d", len(entries))
	}
	first := entries[0]
	if first.Purchase.Token != "tok-1" || !first.Purchase.Acknowledged || first.Generation != 4 {
		t.Fatalf("expected newest purchase with updated fields first, got %+v", first)
	}
	if first.Entitlement == nil || first.Entitlement.FamilyName != "premium" {
		t.Fatalf("expected persisted entitlement, got %+v", first.Entitlement)
	}
	if first.Entitlement.ValidUntil == nil || !first.Entitlement.ValidUntil.Equal(validUntil) {
		t.Fatalf("unexpected valid until %v", first.Entitlement.ValidUntil)
	}
	if first.Entitlement.IsTrial == nil || !*first.Entitlement.IsTrial {
		t.Fatalf("expected trial flag to round trip")
	}
	if !first.SettledAt.Equal(settled.SettledAt) {
		t.Fatalf("expected settled time to round trip, got %s", first.SettledAt)
	}
	if entries[1].Entitlement != nil || entries[1].Purchase.ProductIDs[0] != "yearly" {
		t.Fatalf("expected unverified older entry, got %+v", entries[1])
	}
}

func TestLedger_SaveEntryRequiresToken(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	ledger, err := sqlstore.NewLedger(client.DB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.SaveEntry(context.Background(), core.EntitlementEntry{}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestLedger_CatalogReplacesPerPlatform(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	ledger, err := sqlstore.NewLedger(client.DB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	if _, found, err := ledger.LoadCatalog(ctx); err != nil || found {
		t.Fatalf("expected empty catalog, got found=%t err=%v", found, err)
	}

	first := core.CatalogSnapshot{
		Platform:  core.PlatformGoogle,
		Offers:    []core.ProductOffer{{ID: "monthly", Price: "$4.99"}},
		FetchedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	second := core.CatalogSnapshot{
		Platform:   core.PlatformGoogle,
		Attributes: []byte("attrs"),
		Offers: []core.ProductOffer{
			{ID: "yearly", Price: "$39.99", PriceMicros: 39_990_000, CurrencyCode: "USD", BillingPeriod: "P1Y"},
			{ID: "monthly", Price: "$4.99"},
		},
		FetchedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, snapshot := range []core.CatalogSnapshot{first, second} {
		if err := ledger.SaveCatalog(ctx, snapshot); err != nil {
			t.Fatalf("save catalog: %v", err)
		}
	}

	loaded, found, err := ledger.LoadCatalog(ctx)
	if err != nil || !found {
		t.Fatalf("load catalog: found=%t err=%v", found, err)
	}
	if ids := loaded.OfferIDs(); len(ids) != 2 || ids[0] != "yearly" || ids[1] != "monthly" {
		t.Fatalf("expected latest catalog in stored order, got %v", ids)
	}
	if string(loaded.Attributes) != "attrs" || loaded.Offers[0].PriceMicros != 39_990_000 {
		t.Fatalf("unexpected catalog %+v", loaded)
	}

	var rows int
	if err := client.DB().NewRaw("SELECT COUNT(*) FROM purchase_catalogs").Scan(ctx, &rows); err != nil {
		t.Fatalf("count catalogs: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected a single catalog row per platform, got %d", rows)
	}
}

func TestLedger_HydratesEngineOnStart(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	ledger, err := sqlstore.NewLedger(client.DB())
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	if err := ledger.SaveCatalog(ctx, core.CatalogSnapshot{
		Platform: core.PlatformGoogle,
		Offers:   []core.ProductOffer{{ID: "monthly"}},
	}); err != nil {
		t.Fatalf("save catalog: %v", err)
	}
	if err := ledger.SaveEntry(ctx, core.EntitlementEntry{
		Purchase:    core.PurchaseRecord{Token: "tok-1", ProductIDs: []string{"monthly"}},
		Entitlement: &core.VerifiedEntitlement{ProductID: "monthly", FamilyName: "premium"},
		Generation:  9,
	}); err != nil {
		t.Fatalf("save entry: %v", err)
	}

	engine, err := core.NewEngine(core.Config{},
		core.WithCatalogClient(unusedCatalogClient{}),
		core.WithVerificationClient(unusedVerifier{}),
		core.WithMarketplaceGateway(idleGateway{updates: make(chan core.PurchaseUpdateEvent)}),
		core.WithEntitlementLedger(ledger),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer func() { _ = engine.Close() }()
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	catalog, ok := engine.Catalog()
	if !ok || len(catalog.Offers) != 1 {
		t.Fatalf("expected hydrated catalog, got %+v", catalog)
	}
	entry, ok := engine.Entitlements().Get("tok-1")
	if !ok || entry.Entitlement == nil || entry.Entitlement.FamilyName != "premium" {
		t.Fatalf("expected hydrated entitlement, got %+v", entry)
	}
}

type unusedCatalogClient struct{}

func (unusedCatalogClient) FetchCatalog(context.Context) (core.CatalogSnapshot, error) {
	return core.CatalogSnapshot{}, core.NewTransientError(nil, "offline", nil)
}

type unusedVerifier struct{}

func (unusedVerifier) Verify(context.Context, []core.PurchaseRecord) ([]core.VerifiedEntitlement, error) {
	return nil, core.NewTransientError(nil, "offline", nil)
}

// idleGateway never connects, leaving the engine on hydrated state.
type idleGateway struct {
	updates chan core.PurchaseUpdateEvent
}

func (idleGateway) Connect(context.Context) (core.ConnectionResult, error) {
	return core.ConnectionResult{Result: core.ResultUnavailable, DebugMessage: "offline"}, nil
}

func (idleGateway) ResolveOffers(context.Context, []string) ([]core.ProductOffer, error) {
	return nil, nil
}

func (idleGateway) LaunchPurchase(context.Context, core.ProductOffer, core.UIHandle) error {
	return nil
}

func (g idleGateway) PurchaseUpdates() <-chan core.PurchaseUpdateEvent {
	return g.updates
}

func (idleGateway) QueryExistingPurchases(context.Context) ([]core.PurchaseRecord, error) {
	return nil, nil
}

func (idleGateway) AcknowledgeLocally(context.Context, string) error {
	return nil
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:purchases-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	if err := purchasemigrations.Apply(context.Background(), client, sqlstore.DriverSQLite); err != nil {
		_ = client.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
