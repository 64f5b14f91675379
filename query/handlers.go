package query

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-purchases/core"
)

// StateReader is the read side of the engine.
type StateReader interface {
	Catalog() (core.CatalogSnapshot, bool)
	Entitlements() core.EntitlementView
}

// CatalogResult carries the current catalog. Loaded is false until the
// first snapshot is published.
type CatalogResult struct {
	Catalog core.CatalogSnapshot
	Loaded  bool
}

type GetCatalogQuery struct {
	reader StateReader
}

func NewGetCatalogQuery(reader StateReader) *GetCatalogQuery {
	return &GetCatalogQuery{reader: reader}
}

func (q *GetCatalogQuery) Query(_ context.Context, _ GetCatalogMessage) (CatalogResult, error) {
	if q == nil || q.reader == nil {
		return CatalogResult{}, queryDependencyError("query: state reader is required")
	}
	snapshot, ok := q.reader.Catalog()
	return CatalogResult{Catalog: snapshot, Loaded: ok}, nil
}

type ListEntitlementsQuery struct {
	reader StateReader
}

func NewListEntitlementsQuery(reader StateReader) *ListEntitlementsQuery {
	return &ListEntitlementsQuery{reader: reader}
}

func (q *ListEntitlementsQuery) Query(_ context.Context, msg ListEntitlementsMessage) ([]core.EntitlementEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: state reader is required")
	}
	entries := q.reader.Entitlements().Entries()
	if !msg.VerifiedOnly {
		return entries, nil
	}
	out := make([]core.EntitlementEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Verified() {
			out = append(out, entry)
		}
	}
	return out, nil
}

type GetEntitlementQuery struct {
	reader StateReader
}

func NewGetEntitlementQuery(reader StateReader) *GetEntitlementQuery {
	return &GetEntitlementQuery{reader: reader}
}

func (q *GetEntitlementQuery) Query(_ context.Context, msg GetEntitlementMessage) (core.EntitlementEntry, error) {
	if q == nil || q.reader == nil {
		return core.EntitlementEntry{}, queryDependencyError("query: state reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.EntitlementEntry{}, err
	}
	token := strings.TrimSpace(msg.Token)
	entry, ok := q.reader.Entitlements().Get(token)
	if !ok {
		return core.EntitlementEntry{}, queryNotFoundError(token)
	}
	return entry, nil
}

type ListActiveEntitlementsQuery struct {
	reader StateReader
	now    func() time.Time
}

func NewListActiveEntitlementsQuery(reader StateReader) *ListActiveEntitlementsQuery {
	return &ListActiveEntitlementsQuery{
		reader: reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *ListActiveEntitlementsQuery) Query(_ context.Context, msg ListActiveEntitlementsMessage) ([]core.EntitlementEntry, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: state reader is required")
	}
	at := msg.At
	if at.IsZero() {
		at = q.now()
	}
	return q.reader.Entitlements().Active(at), nil
}
