package query

import (
	"strings"
	"time"
)

const (
	TypeGetCatalog             = "purchases.query.catalog.get"
	TypeListEntitlements       = "purchases.query.entitlements.list"
	TypeGetEntitlement         = "purchases.query.entitlements.get"
	TypeListActiveEntitlements = "purchases.query.entitlements.active"
)

type GetCatalogMessage struct{}

func (GetCatalogMessage) Type() string { return TypeGetCatalog }

func (GetCatalogMessage) Validate() error { return nil }

type ListEntitlementsMessage struct {
	// VerifiedOnly drops entries the backend has not vouched for.
	VerifiedOnly bool
}

func (ListEntitlementsMessage) Type() string { return TypeListEntitlements }

func (ListEntitlementsMessage) Validate() error { return nil }

type GetEntitlementMessage struct {
	Token string
}

func (GetEntitlementMessage) Type() string { return TypeGetEntitlement }

func (m GetEntitlementMessage) Validate() error {
	if strings.TrimSpace(m.Token) == "" {
		return queryValidationError("token", "purchase token is required")
	}
	return nil
}

// ListActiveEntitlementsMessage lists unexpired verified entries at At, or
// now when At is zero.
type ListActiveEntitlementsMessage struct {
	At time.Time
}

func (ListActiveEntitlementsMessage) Type() string { return TypeListActiveEntitlements }

func (ListActiveEntitlementsMessage) Validate() error { return nil }
