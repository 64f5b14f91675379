package sqlstore

import (
	"time"

	"github.com/goliatone/go-purchases/core"
)

func newEntitlementRecord(entry core.EntitlementEntry, now time.Time) *entitlementRecord {
	record := &entitlementRecord{
		CreatedAt: now,
	}
	record.apply(entry, now)
	return record
}

// apply copies entry onto r, keeping the row identity.
func (r *entitlementRecord) apply(entry core.EntitlementEntry, now time.Time) {
	purchase := entry.Purchase
	r.Token = purchase.Token
	r.OrderID = purchase.OrderID
	r.PackageName = purchase.PackageName
	r.ProductIDs = append([]string{}, purchase.ProductIDs...)
	r.PurchaseTimeMillis = purchase.PurchaseTimeMillis
	r.Acknowledged = purchase.Acknowledged
	r.Generation = int64(entry.Generation)
	r.SettledAt = utcPointer(&entry.SettledAt)
	r.UpdatedAt = now

	r.Verified = entry.Entitlement != nil
	r.ProductID, r.PurchaseID, r.FamilyName, r.Attributes, r.Period = "", "", "", "", ""
	r.TransactionDate, r.ValidUntil, r.IsTrial, r.IsExpired = nil, nil, nil, false
	if entitlement := entry.Entitlement; entitlement != nil {
		r.ProductID = entitlement.ProductID
		r.PurchaseID = entitlement.PurchaseID
		r.FamilyName = entitlement.FamilyName
		r.Attributes = entitlement.Attributes
		r.Period = entitlement.Period
		r.IsExpired = entitlement.IsExpired
		r.TransactionDate = utcPointer(&entitlement.TransactionDate)
		r.ValidUntil = utcPointer(entitlement.ValidUntil)
		if entitlement.IsTrial != nil {
			trial := *entitlement.IsTrial
			r.IsTrial = &trial
		}
	}
}

func (r *entitlementRecord) toDomain() core.EntitlementEntry {
	if r == nil {
		return core.EntitlementEntry{}
	}
	entry := core.EntitlementEntry{
		Purchase: core.PurchaseRecord{
			Token:              r.Token,
			OrderID:            r.OrderID,
			PackageName:        r.PackageName,
			ProductIDs:         append([]string{}, r.ProductIDs...),
			PurchaseTimeMillis: r.PurchaseTimeMillis,
			Acknowledged:       r.Acknowledged,
		},
	}
	if r.Generation > 0 {
		entry.Generation = uint64(r.Generation)
	}
	if r.SettledAt != nil {
		entry.SettledAt = r.SettledAt.UTC()
	}
	if !r.Verified {
		return entry
	}
	entitlement := core.VerifiedEntitlement{
		ProductID:  r.ProductID,
		PurchaseID: r.PurchaseID,
		IsExpired:  r.IsExpired,
		FamilyName: r.FamilyName,
		Attributes: r.Attributes,
		Period:     r.Period,
		ValidUntil: utcPointer(r.ValidUntil),
	}
	if r.TransactionDate != nil {
		entitlement.TransactionDate = r.TransactionDate.UTC()
	}
	if r.IsTrial != nil {
		trial := *r.IsTrial
		entitlement.IsTrial = &trial
	}
	entry.Entitlement = &entitlement
	return entry
}

func newCatalogRecord(snapshot core.CatalogSnapshot, now time.Time) *catalogRecord {
	record := &catalogRecord{
		Platform:   snapshot.Platform,
		Attributes: append([]byte(nil), snapshot.Attributes...),
		Offers:     make([]offerRecord, 0, len(snapshot.Offers)),
		FetchedAt:  snapshot.FetchedAt.UTC(),
		CreatedAt:  now,
	}
	if record.FetchedAt.IsZero() {
		record.FetchedAt = now
	}
	for _, offer := range snapshot.Offers {
		record.Offers = append(record.Offers, offerRecord{
			ID:            offer.ID,
			Title:         offer.Title,
			Price:         offer.Price,
			PriceMicros:   offer.PriceMicros,
			CurrencyCode:  offer.CurrencyCode,
			BillingPeriod: offer.BillingPeriod,
		})
	}
	return record
}

func (r *catalogRecord) toDomain() core.CatalogSnapshot {
	if r == nil {
		return core.CatalogSnapshot{}
	}
	snapshot := core.CatalogSnapshot{
		Platform:  r.Platform,
		Offers:    make([]core.ProductOffer, 0, len(r.Offers)),
		FetchedAt: r.FetchedAt.UTC(),
	}
	if len(r.Attributes) > 0 {
		snapshot.Attributes = append([]byte(nil), r.Attributes...)
	}
	for _, offer := range r.Offers {
		snapshot.Offers = append(snapshot.Offers, core.ProductOffer{
			ID:            offer.ID,
			Title:         offer.Title,
			Price:         offer.Price,
			PriceMicros:   offer.PriceMicros,
			CurrencyCode:  offer.CurrencyCode,
			BillingPeriod: offer.BillingPeriod,
		})
	}
	return snapshot
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil || input.IsZero() {
		return nil
	}
	value := input.UTC()
	return &value
}
