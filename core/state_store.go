package core

import (
	"strings"

	"github.com/goliatone/go-purchases/observable"
)

// StateStore owns the published catalogs, entitlement view and diagnostic
// stream. Every value is multicast with replay-latest semantics.
type StateStore struct {
	backendCatalog *observable.Subject[CatalogSnapshot]
	catalog        *observable.Subject[CatalogSnapshot]
	entitlements   *observable.Subject[EntitlementView]
	diagnostics    *observable.Subject[DiagnosticEvent]
}

func NewStateStore() *StateStore {
	return &StateStore{
		backendCatalog: observable.NewSubject[CatalogSnapshot](),
		catalog:        observable.NewSubject[CatalogSnapshot](),
		entitlements:   observable.NewSubjectWith(NewEntitlementView()),
		diagnostics:    observable.NewSubject[DiagnosticEvent](),
	}
}

// PublishBackendCatalog records the catalog exactly as the backend returned
// it, before marketplace offers are joined in.
func (s *StateStore) PublishBackendCatalog(snapshot CatalogSnapshot) {
	if s == nil {
		return
	}
	s.backendCatalog.Publish(snapshot.Clone())
}

// PublishCatalog replaces the current catalog snapshot as one value.
func (s *StateStore) PublishCatalog(snapshot CatalogSnapshot) {
	if s == nil {
		return
	}
	s.catalog.Publish(snapshot.Clone())
}

// PublishEntitlements replaces the whole entitlement view.
func (s *StateStore) PublishEntitlements(view EntitlementView) {
	if s == nil {
		return
	}
	s.entitlements.Publish(view)
}

// MergeEntitlement stores entry under its token and publishes the resulting
// view. An entry older than the one already stored for the token is
// rejected and the view is left untouched.
func (s *StateStore) MergeEntitlement(entry EntitlementEntry) (EntitlementView, bool) {
	if s == nil || strings.TrimSpace(entry.Purchase.Token) == "" {
		return EntitlementView{}, false
	}
	applied := false
	next := s.entitlements.Update(func(current EntitlementView, _ bool) EntitlementView {
		if existing, ok := current.Get(entry.Purchase.Token); ok && existing.Generation > entry.Generation {
			return current
		}
		applied = true
		return current.With(entry)
	})
	return next, applied
}

// MergeEntitlements stores a batch of entries with a single copy of the
// view and one publish. applied[i] reports whether entries[i] was kept; an
// entry is dropped when the stored entry for its token, or a later entry
// for the same token in the batch, carries a higher generation.
func (s *StateStore) MergeEntitlements(entries []EntitlementEntry) (EntitlementView, []bool) {
	applied := make([]bool, len(entries))
	if s == nil || len(entries) == 0 {
		return s.Entitlements(), applied
	}
	next := s.entitlements.Update(func(current EntitlementView, _ bool) EntitlementView {
		winners := make(map[string]int, len(entries))
		for i, entry := range entries {
			token := strings.TrimSpace(entry.Purchase.Token)
			if token == "" {
				continue
			}
			if existing, ok := current.Get(token); ok && existing.Generation > entry.Generation {
				continue
			}
			if prior, ok := winners[token]; ok && entries[prior].Generation > entry.Generation {
				continue
			}
			winners[token] = i
		}
		if len(winners) == 0 {
			return current
		}
		keep := make([]EntitlementEntry, 0, len(winners))
		for i, entry := range entries {
			if winner, ok := winners[strings.TrimSpace(entry.Purchase.Token)]; ok && winner == i {
				applied[i] = true
				keep = append(keep, entry)
			}
		}
		return current.WithAll(keep...)
	})
	return next, applied
}

func (s *StateStore) PublishDiagnostic(event DiagnosticEvent) {
	if s == nil {
		return
	}
	s.diagnostics.Publish(event)
}

func (s *StateStore) Catalog() (CatalogSnapshot, bool) {
	if s == nil {
		return CatalogSnapshot{}, false
	}
	snapshot, ok := s.catalog.Current()
	if !ok {
		return CatalogSnapshot{}, false
	}
	return snapshot.Clone(), true
}

// BackendCatalog returns the latest catalog as fetched from the backend.
func (s *StateStore) BackendCatalog() (CatalogSnapshot, bool) {
	if s == nil {
		return CatalogSnapshot{}, false
	}
	snapshot, ok := s.backendCatalog.Current()
	if !ok {
		return CatalogSnapshot{}, false
	}
	return snapshot.Clone(), true
}

func (s *StateStore) Entitlements() EntitlementView {
	if s == nil {
		return NewEntitlementView()
	}
	view, _ := s.entitlements.Current()
	return view
}

func (s *StateStore) LastDiagnostic() (DiagnosticEvent, bool) {
	if s == nil {
		return DiagnosticEvent{}, false
	}
	return s.diagnostics.Current()
}

func (s *StateStore) SubscribeBackendCatalog() *observable.Subscription[CatalogSnapshot] {
	return s.backendCatalog.Subscribe()
}

func (s *StateStore) SubscribeCatalog() *observable.Subscription[CatalogSnapshot] {
	return s.catalog.Subscribe()
}

func (s *StateStore) SubscribeEntitlements() *observable.Subscription[EntitlementView] {
	return s.entitlements.Subscribe()
}

func (s *StateStore) SubscribeDiagnostics() *observable.Subscription[DiagnosticEvent] {
	return s.diagnostics.Subscribe()
}

func (s *StateStore) Close() {
	if s == nil {
		return
	}
	s.backendCatalog.Close()
	s.catalog.Close()
	s.entitlements.Close()
	s.diagnostics.Close()
}
