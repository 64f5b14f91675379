package command

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-purchases/core"
)

var (
	_ gocmd.Commander[RefreshCatalogMessage]   = (*RefreshCatalogCommand)(nil)
	_ gocmd.Commander[PurchaseMessage]         = (*PurchaseCommand)(nil)
	_ gocmd.Commander[RefreshPurchasesMessage] = (*RefreshPurchasesCommand)(nil)
	_ gocmd.Commander[SubmitPurchasesMessage]  = (*SubmitPurchasesCommand)(nil)
	_ gocmd.Commander[ReconfigureMessage]      = (*ReconfigureCommand)(nil)

	_ PurchaseService = (*core.Engine)(nil)
)
