package purchases

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goliatone/go-purchases/backend"
	"github.com/goliatone/go-purchases/core"
	"github.com/goliatone/go-purchases/marketplace/devkit"
)

func TestNewEngine_DefaultBackendFactoryUsesRESTClient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != backend.PathSubscriptions {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123456" {
			t.Errorf("unexpected authorization header %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"platform":"GOOGLE","subscriptionList":[{"sku":"monthly"}]}}`))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.Backend.APIKey = "key-123456"
	cfg.Backend.BaseURL = server.URL
	engine, err := NewEngine(cfg,
		WithMarketplaceGateway(devkit.NewFakeGateway(devkit.WithOffers(core.ProductOffer{ID: "monthly"}))),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer func() { _ = engine.Close() }()
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}

	snapshot, err := engine.RefreshCatalogSync(context.Background())
	if err != nil {
		t.Fatalf("refresh catalog: %v", err)
	}
	if ids := snapshot.OfferIDs(); len(ids) != 1 || ids[0] != "monthly" {
		t.Fatalf("unexpected offers %v", ids)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one backend call, got %d", calls.Load())
	}
}

func TestNewEngine_MissingAPIKeyFailsBuild(t *testing.T) {
	engine, err := NewEngine(DefaultConfig(), WithMarketplaceGateway(devkit.NewFakeGateway()))
	if err == nil {
		_ = engine.Close()
		t.Fatalf("expected missing api key to fail the build")
	}
	if core.KindOf(err) != core.KindFatalConfig {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestNewEngine_InjectedClientsSkipDefaultFactory(t *testing.T) {
	transport := devkit.NewFakeTransportAdapter()
	client, err := backend.NewClient(core.BackendConfig{APIKey: "key-123456"}, backend.WithTransport(transport))
	if err != nil {
		t.Fatalf("new backend client: %v", err)
	}
	engine, err := NewEngine(DefaultConfig(),
		WithCatalogClient(client),
		WithVerificationClient(client),
		WithMarketplaceGateway(devkit.NewFakeGateway()),
	)
	if err != nil {
		t.Fatalf("expected injected clients to satisfy the build without an api key: %v", err)
	}
	_ = engine.Close()
}

func TestDefaultBackendFactory_SharesOneClient(t *testing.T) {
	catalog, verifier, err := DefaultBackendFactory()(core.BackendConfig{APIKey: "key-123456"})
	if err != nil {
		t.Fatalf("build backend: %v", err)
	}
	if catalog == nil || verifier == nil {
		t.Fatalf("expected both clients")
	}
	if catalog.(*backend.Client) != verifier.(*backend.Client) {
		t.Fatalf("expected one client to serve both roles")
	}
	if _, _, err := DefaultBackendFactory()(core.BackendConfig{}); core.KindOf(err) != core.KindFatalConfig {
		t.Fatalf("expected fatal config error for missing key, got %v", err)
	}
}
