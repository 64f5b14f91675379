// Package purchases is the entry point for the in-app purchase engine. It
// re-exports the core types and wires the default subscription backend
// client when no backend collaborators are injected.
package purchases

import (
	"github.com/goliatone/go-purchases/core"
)

type Config = core.Config

type BackendConfig = core.BackendConfig

type Option = core.Option

type Engine = core.Engine

type CatalogSnapshot = core.CatalogSnapshot
type ProductOffer = core.ProductOffer
type PurchaseRecord = core.PurchaseRecord
type VerifiedEntitlement = core.VerifiedEntitlement
type EntitlementEntry = core.EntitlementEntry
type EntitlementView = core.EntitlementView
type SubmitReceipt = core.SubmitReceipt
type DiagnosticEvent = core.DiagnosticEvent

type CatalogClient = core.CatalogClient
type VerificationClient = core.VerificationClient
type MarketplaceGateway = core.MarketplaceGateway
type EntitlementLedger = core.EntitlementLedger
type BackendFactory = core.BackendFactory

var (
	WithLogger             = core.WithLogger
	WithLoggerProvider     = core.WithLoggerProvider
	WithMetricsRecorder    = core.WithMetricsRecorder
	WithErrorFactory       = core.WithErrorFactory
	WithErrorMapper        = core.WithErrorMapper
	WithConfigProvider     = core.WithConfigProvider
	WithOptionsResolver    = core.WithOptionsResolver
	WithCatalogClient      = core.WithCatalogClient
	WithVerificationClient = core.WithVerificationClient
	WithMarketplaceGateway = core.WithMarketplaceGateway
	WithBackendFactory     = core.WithBackendFactory
	WithEntitlementLedger  = core.WithEntitlementLedger
	WithStateStore         = core.WithStateStore
	WithClock              = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// NewEngine builds an engine. Unless the caller supplies backend clients or
// its own factory, the REST backend client is used for catalog and
// verification calls.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	all := make([]Option, 0, len(opts)+1)
	all = append(all, core.WithBackendFactory(DefaultBackendFactory()))
	all = append(all, opts...)
	return core.NewEngine(cfg, all...)
}
