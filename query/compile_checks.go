package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-purchases/core"
)

var (
	_ gocmd.Querier[GetCatalogMessage, CatalogResult]                       = (*GetCatalogQuery)(nil)
	_ gocmd.Querier[ListEntitlementsMessage, []core.EntitlementEntry]       = (*ListEntitlementsQuery)(nil)
	_ gocmd.Querier[GetEntitlementMessage, core.EntitlementEntry]           = (*GetEntitlementQuery)(nil)
	_ gocmd.Querier[ListActiveEntitlementsMessage, []core.EntitlementEntry] = (*ListActiveEntitlementsQuery)(nil)

	_ StateReader = (*core.Engine)(nil)
)
