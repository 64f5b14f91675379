package core

import (
	"encoding/base64"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"
)

const (
	PlatformGoogle = "GOOGLE"
)

// ResultCode is the outcome reported by the billing provider for a
// connection attempt or a purchase update.
type ResultCode string

const (
	ResultOK           ResultCode = "ok"
	ResultUserCanceled ResultCode = "user_canceled"
	ResultUnavailable  ResultCode = "unavailable"
	ResultError        ResultCode = "error"
)

type ProductOffer struct {
	ID            string
	Title         string
	Price         string
	PriceMicros   int64
	CurrencyCode  string
	BillingPeriod string
}

type CatalogSnapshot struct {
	Platform   string
	Attributes []byte
	Offers     []ProductOffer
	FetchedAt  time.Time
}

func (s CatalogSnapshot) Offer(id string) (ProductOffer, bool) {
	id = strings.TrimSpace(id)
	for _, offer := range s.Offers {
		if offer.ID == id {
			return offer, true
		}
	}
	return ProductOffer{}, false
}

func (s CatalogSnapshot) OfferIDs() []string {
	ids := make([]string, 0, len(s.Offers))
	for _, offer := range s.Offers {
		ids = append(ids, offer.ID)
	}
	return ids
}

// AttributesBase64 returns the opaque catalog attributes in the encoding the
// presentation layer historically consumed.
func (s CatalogSnapshot) AttributesBase64() string {
	if len(s.Attributes) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.Attributes)
}

func (s CatalogSnapshot) Clone() CatalogSnapshot {
	out := s
	out.Attributes = append([]byte(nil), s.Attributes...)
	out.Offers = append([]ProductOffer(nil), s.Offers...)
	return out
}

type PurchaseRecord struct {
	Token              string
	OrderID            string
	PackageName        string
	ProductIDs         []string
	PurchaseTimeMillis int64
	Acknowledged       bool
}

func (r PurchaseRecord) PurchaseTime() time.Time {
	return time.UnixMilli(r.PurchaseTimeMillis).UTC()
}

// SameEvent reports whether two records describe the same marketplace event
// for a token. Records that match are coalesced instead of re-verified.
func (r PurchaseRecord) SameEvent(other PurchaseRecord) bool {
	return r.Token == other.Token &&
		r.OrderID == other.OrderID &&
		r.PurchaseTimeMillis == other.PurchaseTimeMillis
}

func (r PurchaseRecord) HasProduct(productID string) bool {
	return slices.Contains(r.ProductIDs, productID)
}

func (r PurchaseRecord) Clone() PurchaseRecord {
	out := r
	out.ProductIDs = append([]string(nil), r.ProductIDs...)
	return out
}

type VerifiedEntitlement struct {
	ProductID       string
	PurchaseID      string
	TransactionDate time.Time
	ValidUntil      *time.Time
	IsTrial         *bool
	IsExpired       bool
	FamilyName      string
	Attributes      string
	Period          string
}

// Covers reports whether the entitlement's product scope intersects the
// record's product ids.
func (e VerifiedEntitlement) Covers(record PurchaseRecord) bool {
	return record.HasProduct(e.ProductID)
}

func (e VerifiedEntitlement) ActiveAt(now time.Time) bool {
	if e.IsExpired {
		return false
	}
	if e.ValidUntil != nil && !e.ValidUntil.After(now) {
		return false
	}
	return true
}

func (e VerifiedEntitlement) Clone() VerifiedEntitlement {
	out := e
	if e.ValidUntil != nil {
		value := *e.ValidUntil
		out.ValidUntil = &value
	}
	if e.IsTrial != nil {
		value := *e.IsTrial
		out.IsTrial = &value
	}
	return out
}

type EntitlementEntry struct {
	Purchase    PurchaseRecord
	Entitlement *VerifiedEntitlement
	Generation  uint64
	SettledAt   time.Time
}

func (e EntitlementEntry) Verified() bool {
	return e.Entitlement != nil
}

func (e EntitlementEntry) Clone() EntitlementEntry {
	out := e
	out.Purchase = e.Purchase.Clone()
	if e.Entitlement != nil {
		value := e.Entitlement.Clone()
		out.Entitlement = &value
	}
	return out
}

// EntitlementView is the merged "what the user owns" state keyed by purchase
// token. Values are immutable: With returns a new view.
type EntitlementView struct {
	entries map[string]EntitlementEntry
}

func NewEntitlementView(entries ...EntitlementEntry) EntitlementView {
	view := EntitlementView{entries: make(map[string]EntitlementEntry, len(entries))}
	for _, entry := range entries {
		token := strings.TrimSpace(entry.Purchase.Token)
		if token == "" {
			continue
		}
		view.entries[token] = entry.Clone()
	}
	return view
}

// With returns a copy of the view with entry stored under its token,
// replacing any prior entry for that token.
func (v EntitlementView) With(entry EntitlementEntry) EntitlementView {
	return v.WithAll(entry)
}

// WithAll copies the view once and stores every entry under its token.
// Later entries for the same token win.
func (v EntitlementView) WithAll(entries ...EntitlementEntry) EntitlementView {
	next := EntitlementView{entries: make(map[string]EntitlementEntry, len(v.entries)+len(entries))}
	maps.Copy(next.entries, v.entries)
	for _, entry := range entries {
		if token := strings.TrimSpace(entry.Purchase.Token); token != "" {
			next.entries[token] = entry.Clone()
		}
	}
	return next
}

func (v EntitlementView) Get(token string) (EntitlementEntry, bool) {
	entry, ok := v.entries[strings.TrimSpace(token)]
	if !ok {
		return EntitlementEntry{}, false
	}
	return entry.Clone(), true
}

func (v EntitlementView) Len() int {
	return len(v.entries)
}

func (v EntitlementView) Tokens() []string {
	tokens := make([]string, 0, len(v.entries))
	for token := range v.entries {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Entries returns all entries ordered by purchase time, newest first.
func (v EntitlementView) Entries() []EntitlementEntry {
	out := make([]EntitlementEntry, 0, len(v.entries))
	for _, entry := range v.entries {
		out = append(out, entry.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Purchase.PurchaseTimeMillis == out[j].Purchase.PurchaseTimeMillis {
			return out[i].Purchase.Token < out[j].Purchase.Token
		}
		return out[i].Purchase.PurchaseTimeMillis > out[j].Purchase.PurchaseTimeMillis
	})
	return out
}

// Active returns verified, unexpired entries at now.
func (v EntitlementView) Active(now time.Time) []EntitlementEntry {
	out := []EntitlementEntry{}
	for _, entry := range v.Entries() {
		if entry.Entitlement != nil && entry.Entitlement.ActiveAt(now) {
			out = append(out, entry)
		}
	}
	return out
}

type PurchaseUpdateEvent struct {
	Result       ResultCode
	DebugMessage string
	Records      []PurchaseRecord
}

type ConnectionResult struct {
	Result       ResultCode
	DebugMessage string
}

func (r ConnectionResult) OK() bool {
	return r.Result == ResultOK
}

// PurchaseSource names where a purchase record entered the engine.
type PurchaseSource string

const (
	SourceUpdateStream PurchaseSource = "update_stream"
	SourceQuery        PurchaseSource = "query"
	SourceManual       PurchaseSource = "manual"
)

// UIHandle is an opaque presentation handle forwarded to the billing provider
// when launching a purchase flow.
type UIHandle any

type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	case LogLevelError:
		return "error"
	default:
		return "unknown"
	}
}

func ParseLogLevel(value string) (LogLevel, bool) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "trace":
		return LogLevelTrace, true
	case "debug", "":
		return LogLevelDebug, true
	case "info":
		return LogLevelInfo, true
	case "warn", "warning":
		return LogLevelWarn, true
	case "error":
		return LogLevelError, true
	default:
		return LogLevelDebug, false
	}
}

// DiagnosticEvent is one entry of the upward log/diagnostic stream. Err is
// set for failures; Kind classifies it.
type DiagnosticEvent struct {
	ID      string
	Level   LogLevel
	Event   string
	Message string
	Token   string
	Kind    ErrorKind
	Err     error
	Fields  map[string]any
	At      time.Time
}
