package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// CatalogClient fetches the sellable product identifiers from the backend.
// It never publishes; the engine resolves offers and publishes atomically.
type CatalogClient interface {
	FetchCatalog(ctx context.Context) (CatalogSnapshot, error)
}

// VerificationClient posts a batch of purchases to the backend and returns
// the entitlements the backend vouches for.
type VerificationClient interface {
	Verify(ctx context.Context, records []PurchaseRecord) ([]VerifiedEntitlement, error)
}

// MarketplaceGateway wraps the billing provider SDK.
//
// PurchaseUpdates and QueryExistingPurchases may report the same tokens; the
// engine funnels both into one reconciliation path.
type MarketplaceGateway interface {
	Connect(ctx context.Context) (ConnectionResult, error)
	ResolveOffers(ctx context.Context, ids []string) ([]ProductOffer, error)
	LaunchPurchase(ctx context.Context, offer ProductOffer, ui UIHandle) error
	PurchaseUpdates() <-chan PurchaseUpdateEvent
	QueryExistingPurchases(ctx context.Context) ([]PurchaseRecord, error)
	AcknowledgeLocally(ctx context.Context, token string) error
}

// DisconnectNotifier is implemented by gateways that report a dropped
// billing connection.
type DisconnectNotifier interface {
	Disconnects() <-chan error
}

// Acknowledger is the subset of the gateway the reconciler needs.
type Acknowledger interface {
	AcknowledgeLocally(ctx context.Context, token string) error
}

// EntitlementLedger persists settled state so a restarted engine can serve
// the last known catalog and entitlements before the network answers.
type EntitlementLedger interface {
	SaveEntry(ctx context.Context, entry EntitlementEntry) error
	LoadEntries(ctx context.Context) ([]EntitlementEntry, error)
	SaveCatalog(ctx context.Context, snapshot CatalogSnapshot) error
	LoadCatalog(ctx context.Context) (CatalogSnapshot, bool, error)
}

// BackendFactory builds backend clients from connection settings. The
// engine calls it at construction and on Reconfigure.
type BackendFactory func(cfg BackendConfig) (CatalogClient, VerificationClient, error)

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

// RateLimitPolicy gates backend calls per bucket. BeforeCall fails fast
// while a bucket is throttled; AfterCall records the response.
type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, bucket string) error
	AfterCall(ctx context.Context, bucket string, res TransportResponse) error
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type CommandMessage interface {
	Type() string
}
