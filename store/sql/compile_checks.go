package sqlstore

import "github.com/goliatone/go-purchases/core"

var (
	_ core.EntitlementLedger = (*Ledger)(nil)
	_ core.EntitlementLedger = (*CachedLedger)(nil)
)
