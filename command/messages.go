package command

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-purchases/core"
)

const (
	TypeRefreshCatalog   = "purchases.command.catalog.refresh"
	TypePurchase         = "purchases.command.purchase"
	TypeRefreshPurchases = "purchases.command.purchases.refresh"
	TypeSubmitPurchases  = "purchases.command.purchases.submit"
	TypeReconfigure      = "purchases.command.reconfigure"
)

// RefreshCatalogMessage reloads the catalog. With Wait set the handler
// blocks until the snapshot is published and stores it as the result.
type RefreshCatalogMessage struct {
	Wait bool
}

func (RefreshCatalogMessage) Type() string { return TypeRefreshCatalog }

func (RefreshCatalogMessage) Validate() error { return nil }

type PurchaseMessage struct {
	OfferID string
	UI      core.UIHandle
}

func (PurchaseMessage) Type() string { return TypePurchase }

func (m PurchaseMessage) Validate() error {
	if strings.TrimSpace(m.OfferID) == "" {
		return commandValidationError("offer_id", "offer id is required")
	}
	return nil
}

type RefreshPurchasesMessage struct {
	Wait bool
}

func (RefreshPurchasesMessage) Type() string { return TypeRefreshPurchases }

func (RefreshPurchasesMessage) Validate() error { return nil }

// SubmitPurchasesMessage hands records to the reconciler. With Wait set the
// handler blocks until the verification batch settles.
type SubmitPurchasesMessage struct {
	Records []core.PurchaseRecord
	Wait    bool
}

func (SubmitPurchasesMessage) Type() string { return TypeSubmitPurchases }

func (m SubmitPurchasesMessage) Validate() error {
	if len(m.Records) == 0 {
		return commandValidationError("records", "at least one purchase record is required")
	}
	for i, record := range m.Records {
		if strings.TrimSpace(record.Token) == "" {
			return commandValidationError(fmt.Sprintf("records[%d].token", i), "purchase token is required")
		}
	}
	return nil
}

type ReconfigureMessage struct {
	Config core.Config
}

func (ReconfigureMessage) Type() string { return TypeReconfigure }

func (m ReconfigureMessage) Validate() error {
	if err := m.Config.Validate(); err != nil {
		return commandWrapValidation(err, "command: invalid engine config")
	}
	if err := m.Config.Backend.Validate(); err != nil {
		return commandWrapValidation(err, "command: invalid backend config")
	}
	return nil
}
