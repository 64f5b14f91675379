// Package backend implements the catalog and verification clients for the
// subscription backend on top of a core.TransportAdapter.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-purchases/core"
	"github.com/goliatone/go-purchases/transport"
)

const (
	PathSubscriptions = "/api/v1/subscriptions"
	PathVerifyGoogle  = "/api/v1/purchases/google/verify"

	defaultAppVersion    = "0.0"
	maxResponseBodyBytes = 1 << 20
)

// Client talks to the subscription backend. It is safe for concurrent use.
type Client struct {
	cfg       core.BackendConfig
	platform  string
	baseURL   string
	transport core.TransportAdapter
	rateLimit core.RateLimitPolicy
	logger    core.Logger
	now       func() time.Time
}

type Option func(*Client)

// WithTransport replaces the default REST transport.
func WithTransport(adapter core.TransportAdapter) Option {
	return func(c *Client) {
		if adapter != nil {
			c.transport = adapter
		}
	}
}

// WithRateLimitPolicy gates each call on policy. Buckets are named after
// the operation ("catalog", "verify").
func WithRateLimitPolicy(policy core.RateLimitPolicy) Option {
	return func(c *Client) {
		c.rateLimit = policy
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithPlatform(platform string) Option {
	return func(c *Client) {
		if value := strings.TrimSpace(platform); value != "" {
			c.platform = value
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient validates cfg and builds a client. A missing API key is a
// configuration error.
func NewClient(cfg core.BackendConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := &Client{
		cfg:      cfg,
		platform: core.PlatformGoogle,
		baseURL:  cfg.ResolvedBaseURL(),
		logger:   glog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.transport == nil {
		client.transport = transport.NewRESTAdapter(nil)
	}
	return client, nil
}

// Headers returns the fixed header set sent with every backend call.
// Optional tags are sent as empty strings when unset.
func (c *Client) Headers() map[string]string {
	appVersion := strings.TrimSpace(c.cfg.AppVersion)
	if appVersion == "" {
		appVersion = defaultAppVersion
	}
	return map[string]string{
		"Authorization": "Bearer " + strings.TrimSpace(c.cfg.APIKey),
		"Accept":        "application/json",
		"X-App-Version": appVersion,
		"X-Country":     strings.TrimSpace(c.cfg.Country),
		"X-Platform":    c.platform,
		"X-User-Id":     strings.TrimSpace(c.cfg.UserID),
		"X-Utm-Source":  strings.TrimSpace(c.cfg.UtmSource),
		"X-Environment": strings.TrimSpace(c.cfg.EnvironmentTag),
	}
}

// FetchCatalog loads the product catalog configured for this app.
func (c *Client) FetchCatalog(ctx context.Context) (core.CatalogSnapshot, error) {
	c.logger.Debug("fetching catalog", "base_url", c.baseURL, "api_key", c.cfg.RedactedAPIKey())
	body, err := c.call(ctx, "catalog", http.MethodGet, PathSubscriptions, nil)
	if err != nil {
		return core.CatalogSnapshot{}, err
	}

	var decoded catalogResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return core.CatalogSnapshot{}, core.NewMalformedResponseError(err, "backend: decode catalog response", nil)
	}
	if decoded.Data == nil {
		return core.CatalogSnapshot{}, core.NewMalformedResponseError(nil, "backend: catalog response has no data", nil)
	}

	snapshot := core.CatalogSnapshot{
		Platform:  strings.TrimSpace(decoded.Data.Platform),
		Offers:    make([]core.ProductOffer, 0, len(decoded.Data.SubscriptionList)),
		FetchedAt: c.now(),
	}
	if decoded.Data.Attributes != nil {
		snapshot.Attributes = []byte(*decoded.Data.Attributes)
	}
	seen := map[string]struct{}{}
	for _, product := range decoded.Data.SubscriptionList {
		id := strings.TrimSpace(product.SKU)
		if id == "" {
			return core.CatalogSnapshot{}, core.NewMalformedResponseError(nil, "backend: catalog entry without sku", nil)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		snapshot.Offers = append(snapshot.Offers, core.ProductOffer{ID: id})
	}
	c.logger.Trace("catalog fetched", "platform", snapshot.Platform, "offers", len(snapshot.Offers))
	return snapshot, nil
}

// Verify submits records in one batch and returns the backend's verified
// entitlements.
func (c *Client) Verify(ctx context.Context, records []core.PurchaseRecord) ([]core.VerifiedEntitlement, error) {
	if len(records) == 0 {
		return []core.VerifiedEntitlement{}, nil
	}
	request := verifyRequest{Purchases: make([]verifyRequestPurchase, 0, len(records))}
	for _, record := range records {
		sku := ""
		if len(record.ProductIDs) > 0 {
			sku = record.ProductIDs[0]
		}
		request.Purchases = append(request.Purchases, verifyRequestPurchase{
			PackageName:   firstNonEmpty(record.PackageName, c.cfg.PackageName),
			PurchaseToken: record.Token,
			OrderID:       record.OrderID,
			PurchaseTime:  record.PurchaseTimeMillis,
			SKU:           sku,
			SKUList:       append([]string{}, record.ProductIDs...),
		})
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, core.NewInternalError(err, "backend: encode verify request")
	}

	c.logger.Debug("verifying purchases", "count", len(records))
	body, err := c.call(ctx, "verify", http.MethodPost, PathVerifyGoogle, payload)
	if err != nil {
		return nil, err
	}

	var decoded verifyResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, core.NewMalformedResponseError(err, "backend: decode verify response", nil)
	}
	if decoded.Data == nil {
		return nil, core.NewMalformedResponseError(nil, "backend: verify response has no data", nil)
	}

	out := make([]core.VerifiedEntitlement, 0, len(decoded.Data.Purchases))
	for _, receipt := range decoded.Data.Purchases {
		entitlement, err := toEntitlement(receipt)
		if err != nil {
			return nil, err
		}
		out = append(out, entitlement)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, operation string, method string, path string, payload []byte) ([]byte, error) {
	if c == nil || c.transport == nil {
		return nil, core.NewInternalError(nil, "backend: client is not configured")
	}
	if c.rateLimit != nil {
		if err := c.rateLimit.BeforeCall(ctx, operation); err != nil {
			c.logger.Debug("backend call throttled", "operation", operation, "error", err)
			return nil, err
		}
	}
	response, err := c.transport.Do(ctx, core.TransportRequest{
		Method:               method,
		URL:                  c.baseURL + path,
		Headers:              c.Headers(),
		Body:                 payload,
		MaxResponseBodyBytes: maxResponseBodyBytes,
		Metadata:             map[string]any{"operation": operation},
	})
	if err != nil {
		if core.KindOf(err) == core.KindBadInput {
			return nil, core.NewConfigError(err, "backend: invalid base url", map[string]any{
				"operation": operation,
				"base_url":  c.baseURL,
			})
		}
		return nil, err
	}
	c.logger.Trace("backend response", "operation", operation, "status_code", response.StatusCode)
	if c.rateLimit != nil {
		if err := c.rateLimit.AfterCall(ctx, operation, response); err != nil {
			c.logger.Warn("rate limit state update failed", "operation", operation, "error", err)
		}
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, mapErrorResponse(operation, response.StatusCode, response.Body)
	}
	return response.Body, nil
}

func toEntitlement(receipt verifiedReceipt) (core.VerifiedEntitlement, error) {
	productID := strings.TrimSpace(receipt.SKU)
	if productID == "" {
		return core.VerifiedEntitlement{}, core.NewMalformedResponseError(nil, "backend: verified receipt without sku", nil)
	}
	transactionDate, err := parseTimestamp(receipt.TransactionDate)
	if err != nil {
		return core.VerifiedEntitlement{}, core.NewMalformedResponseError(err, "backend: invalid transactionDate",
			map[string]any{"sku": productID})
	}
	entitlement := core.VerifiedEntitlement{
		ProductID:       productID,
		PurchaseID:      stringValue(receipt.PurchaseID),
		TransactionDate: transactionDate,
		IsExpired:       receipt.IsExpired,
		FamilyName:      stringValue(receipt.FamilyName),
		Attributes:      stringValue(receipt.Attributes),
		Period:          stringValue(receipt.Period),
	}
	if receipt.IsTrial != nil {
		trial := *receipt.IsTrial
		entitlement.IsTrial = &trial
	}
	if value := strings.TrimSpace(stringValue(receipt.ValidUntilDate)); value != "" {
		validUntil, err := parseTimestamp(value)
		if err != nil {
			return core.VerifiedEntitlement{}, core.NewMalformedResponseError(err, "backend: invalid validUntilDate",
				map[string]any{"sku": productID})
		}
		entitlement.ValidUntil = &validUntil
	}
	return entitlement, nil
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var (
	_ core.CatalogClient      = (*Client)(nil)
	_ core.VerificationClient = (*Client)(nil)
)
