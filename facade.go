package purchases

import (
	purchasescommand "github.com/goliatone/go-purchases/command"
	"github.com/goliatone/go-purchases/core"
	purchasesquery "github.com/goliatone/go-purchases/query"
)

// CommandQueryService is satisfied by *core.Engine.
type CommandQueryService interface {
	purchasescommand.PurchaseService
	purchasesquery.StateReader
}

type Commands struct {
	RefreshCatalog   *purchasescommand.RefreshCatalogCommand
	Purchase         *purchasescommand.PurchaseCommand
	RefreshPurchases *purchasescommand.RefreshPurchasesCommand
	SubmitPurchases  *purchasescommand.SubmitPurchasesCommand
	Reconfigure      *purchasescommand.ReconfigureCommand
}

type Queries struct {
	GetCatalog             *purchasesquery.GetCatalogQuery
	ListEntitlements       *purchasesquery.ListEntitlementsQuery
	GetEntitlement         *purchasesquery.GetEntitlementQuery
	ListActiveEntitlements *purchasesquery.ListActiveEntitlementsQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, core.NewBadInputError("purchases: command/query service is required", nil)
	}
	return &Facade{
		service: service,
		commands: Commands{
			RefreshCatalog:   purchasescommand.NewRefreshCatalogCommand(service),
			Purchase:         purchasescommand.NewPurchaseCommand(service),
			RefreshPurchases: purchasescommand.NewRefreshPurchasesCommand(service),
			SubmitPurchases:  purchasescommand.NewSubmitPurchasesCommand(service),
			Reconfigure:      purchasescommand.NewReconfigureCommand(service),
		},
		queries: Queries{
			GetCatalog:             purchasesquery.NewGetCatalogQuery(service),
			ListEntitlements:       purchasesquery.NewListEntitlementsQuery(service),
			GetEntitlement:         purchasesquery.NewGetEntitlementQuery(service),
			ListActiveEntitlements: purchasesquery.NewListActiveEntitlementsQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*core.Engine)(nil)
