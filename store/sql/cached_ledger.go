package sqlstore

import (
	"context"
	"fmt"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-purchases/core"
)

const (
	catalogCacheKey = "go-purchases::catalog::v1"
	entriesCacheKey = "go-purchases::entitlements::v1"
)

// CachedLedger fronts a ledger with a read cache. Writes go to the base
// ledger first and then invalidate the affected key.
type CachedLedger struct {
	base  core.EntitlementLedger
	cache repositorycache.CacheService
}

type cachedCatalog struct {
	Snapshot core.CatalogSnapshot
	Found    bool
}

func NewCachedLedger(base core.EntitlementLedger, cacheService repositorycache.CacheService) (*CachedLedger, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base ledger is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: ledger cache service is required")
	}
	return &CachedLedger{base: base, cache: cacheService}, nil
}

func (l *CachedLedger) SaveEntry(ctx context.Context, entry core.EntitlementEntry) error {
	if l == nil || l.base == nil || l.cache == nil {
		return fmt.Errorf("sqlstore: cached ledger is not configured")
	}
	if err := l.base.SaveEntry(ctx, entry); err != nil {
		return err
	}
	return l.cache.Delete(ctx, entriesCacheKey)
}

func (l *CachedLedger) LoadEntries(ctx context.Context) ([]core.EntitlementEntry, error) {
	if l == nil || l.base == nil || l.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached ledger is not configured")
	}
	entries, err := repositorycache.GetOrFetch(ctx, l.cache, entriesCacheKey, func(ctx context.Context) ([]core.EntitlementEntry, error) {
		return l.base.LoadEntries(ctx)
	})
	if err != nil {
		return nil, err
	}
	out := make([]core.EntitlementEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Clone())
	}
	return out, nil
}

func (l *CachedLedger) SaveCatalog(ctx context.Context, snapshot core.CatalogSnapshot) error {
	if l == nil || l.base == nil || l.cache == nil {
		return fmt.Errorf("sqlstore: cached ledger is not configured")
	}
	if err := l.base.SaveCatalog(ctx, snapshot); err != nil {
		return err
	}
	return l.cache.Delete(ctx, catalogCacheKey)
}

func (l *CachedLedger) LoadCatalog(ctx context.Context) (core.CatalogSnapshot, bool, error) {
	if l == nil || l.base == nil || l.cache == nil {
		return core.CatalogSnapshot{}, false, fmt.Errorf("sqlstore: cached ledger is not configured")
	}
	cached, err := repositorycache.GetOrFetch(ctx, l.cache, catalogCacheKey, func(ctx context.Context) (cachedCatalog, error) {
		snapshot, found, err := l.base.LoadCatalog(ctx)
		if err != nil {
			return cachedCatalog{}, err
		}
		return cachedCatalog{Snapshot: snapshot.Clone(), Found: found}, nil
	})
	if err != nil {
		return core.CatalogSnapshot{}, false, err
	}
	return cached.Snapshot.Clone(), cached.Found, nil
}
