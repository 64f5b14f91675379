package query

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-purchases/core"
)

type stubStateReader struct {
	catalog core.CatalogSnapshot
	loaded  bool
	view    core.EntitlementView
}

func (s stubStateReader) Catalog() (core.CatalogSnapshot, bool) {
	return s.catalog, s.loaded
}

func (s stubStateReader) Entitlements() core.EntitlementView {
	return s.view
}

func sampleReader() stubStateReader {
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	return stubStateReader{
		catalog: core.CatalogSnapshot{Platform: core.PlatformGoogle, Offers: []core.ProductOffer{{ID: "monthly"}}},
		loaded:  true,
		view: core.NewEntitlementView(
			core.EntitlementEntry{
				Purchase:    core.PurchaseRecord{Token: "tok-active", ProductIDs: []string{"monthly"}, PurchaseTimeMillis: 3},
				Entitlement: &core.VerifiedEntitlement{ProductID: "monthly", ValidUntil: &future},
			},
			core.EntitlementEntry{
				Purchase:    core.PurchaseRecord{Token: "tok-lapsed", ProductIDs: []string{"monthly"}, PurchaseTimeMillis: 2},
				Entitlement: &core.VerifiedEntitlement{ProductID: "monthly", ValidUntil: &past},
			},
			core.EntitlementEntry{
				Purchase: core.PurchaseRecord{Token: "tok-unverified", ProductIDs: []string{"yearly"}, PurchaseTimeMillis: 1},
			},
		),
	}
}

func TestGetCatalogQuery_ReportsLoadedState(t *testing.T) {
	result, err := NewGetCatalogQuery(sampleReader()).Query(context.Background(), GetCatalogMessage{})
	if err != nil {
		t.Fatalf("query catalog: %v", err)
	}
	if !result.Loaded || len(result.Catalog.Offers) != 1 {
		t.Fatalf("unexpected catalog result %+v", result)
	}

	empty, err := NewGetCatalogQuery(stubStateReader{}).Query(context.Background(), GetCatalogMessage{})
	if err != nil || empty.Loaded {
		t.Fatalf("expected unloaded catalog, got %+v %v", empty, err)
	}
}

func TestListEntitlementsQuery_FiltersVerified(t *testing.T) {
	q := NewListEntitlementsQuery(sampleReader())
	all, err := q.Query(context.Background(), ListEntitlementsMessage{})
	if err != nil {
		t.Fatalf("list entitlements: %v", err)
	}
	if len(all) != 3 || all[0].Purchase.Token != "tok-active" {
		t.Fatalf("expected all entries newest first, got %+v", all)
	}
	verified, err := q.Query(context.Background(), ListEntitlementsMessage{VerifiedOnly: true})
	if err != nil {
		t.Fatalf("list verified entitlements: %v", err)
	}
	if len(verified) != 2 {
		t.Fatalf("expected two verified entries, got %d", len(verified))
	}
}

func TestGetEntitlementQuery_FoundMissingAndInvalid(t *testing.T) {
	q := NewGetEntitlementQuery(sampleReader())
	entry, err := q.Query(context.Background(), GetEntitlementMessage{Token: " tok-active "})
	if err != nil || entry.Purchase.Token != "tok-active" {
		t.Fatalf("expected trimmed lookup to succeed, got %+v %v", entry, err)
	}

	_, err = q.Query(context.Background(), GetEntitlementMessage{Token: "tok-none"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryNotFound || rich.TextCode != ErrorEntitlementNotFound {
		t.Fatalf("expected not found envelope, got %v", err)
	}

	_, err = q.Query(context.Background(), GetEntitlementMessage{})
	if core.KindOf(err) != core.KindBadInput {
		t.Fatalf("expected bad input for blank token, got %v", err)
	}
}

func TestListActiveEntitlementsQuery_UsesRequestedInstant(t *testing.T) {
	q := NewListActiveEntitlementsQuery(sampleReader())
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	active, err := q.Query(context.Background(), ListActiveEntitlementsMessage{At: at})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Purchase.Token != "tok-active" {
		t.Fatalf("expected only the unexpired entry, got %+v", active)
	}

	q.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	earlier, err := q.Query(context.Background(), ListActiveEntitlementsMessage{})
	if err != nil {
		t.Fatalf("list active at clock: %v", err)
	}
	if len(earlier) != 2 {
		t.Fatalf("expected both verified entries active before expiry, got %d", len(earlier))
	}
}

func TestQueries_NilReaderReturnsRichError(t *testing.T) {
	_, err := NewListEntitlementsQuery(nil).Query(context.Background(), ListEntitlementsMessage{})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal || rich.TextCode != core.ErrorInternal {
		t.Fatalf("expected internal envelope, got %q/%q", rich.Category, rich.TextCode)
	}
}
