package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-purchases/core"
)

// PurchaseService is the mutating surface of the engine.
type PurchaseService interface {
	RefreshCatalog(ctx context.Context) error
	RefreshCatalogSync(ctx context.Context) (core.CatalogSnapshot, error)
	Purchase(ctx context.Context, offerID string, ui core.UIHandle) error
	RefreshPurchases(ctx context.Context) error
	RefreshPurchasesSync(ctx context.Context) error
	SubmitPurchases(ctx context.Context, records []core.PurchaseRecord) (*core.SubmitReceipt, error)
	Reconfigure(cfg core.Config) error
}

// SubmitResult reports how a submission was admitted.
type SubmitResult struct {
	BatchID    string
	Accepted   []string
	Coalesced  []string
	Superseded []string
}

type RefreshCatalogCommand struct {
	service PurchaseService
}

func NewRefreshCatalogCommand(service PurchaseService) *RefreshCatalogCommand {
	return &RefreshCatalogCommand{service: service}
}

func (c *RefreshCatalogCommand) Execute(ctx context.Context, msg RefreshCatalogMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: catalog refresh service is required")
	}
	if !msg.Wait {
		return c.service.RefreshCatalog(ctx)
	}
	snapshot, err := c.service.RefreshCatalogSync(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, snapshot)
	return nil
}

type PurchaseCommand struct {
	service PurchaseService
}

func NewPurchaseCommand(service PurchaseService) *PurchaseCommand {
	return &PurchaseCommand{service: service}
}

func (c *PurchaseCommand) Execute(ctx context.Context, msg PurchaseMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchase service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.service.Purchase(ctx, msg.OfferID, msg.UI)
}

type RefreshPurchasesCommand struct {
	service PurchaseService
}

func NewRefreshPurchasesCommand(service PurchaseService) *RefreshPurchasesCommand {
	return &RefreshPurchasesCommand{service: service}
}

func (c *RefreshPurchasesCommand) Execute(ctx context.Context, msg RefreshPurchasesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: purchases refresh service is required")
	}
	if msg.Wait {
		return c.service.RefreshPurchasesSync(ctx)
	}
	return c.service.RefreshPurchases(ctx)
}

type SubmitPurchasesCommand struct {
	service PurchaseService
}

func NewSubmitPurchasesCommand(service PurchaseService) *SubmitPurchasesCommand {
	return &SubmitPurchasesCommand{service: service}
}

func (c *SubmitPurchasesCommand) Execute(ctx context.Context, msg SubmitPurchasesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: submit purchases service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	receipt, err := c.service.SubmitPurchases(ctx, msg.Records)
	if err != nil {
		return err
	}
	storeResult(ctx, SubmitResult{
		BatchID:    receipt.BatchID,
		Accepted:   append([]string(nil), receipt.Accepted...),
		Coalesced:  append([]string(nil), receipt.Coalesced...),
		Superseded: append([]string(nil), receipt.Superseded...),
	})
	if msg.Wait {
		return receipt.Wait(ctx)
	}
	return nil
}

type ReconfigureCommand struct {
	service PurchaseService
}

func NewReconfigureCommand(service PurchaseService) *ReconfigureCommand {
	return &ReconfigureCommand{service: service}
}

func (c *ReconfigureCommand) Execute(_ context.Context, msg ReconfigureMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: reconfigure service is required")
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	return c.service.Reconfigure(msg.Config)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
