package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type entitlementRecord struct {
	bun.BaseModel `bun:"table:purchase_entitlements,alias:pe"`

	ID                 string     `bun:"id,pk"`
	Token              string     `bun:"token,notnull"`
	OrderID            string     `bun:"order_id,notnull"`
	PackageName        string     `bun:"package_name,notnull"`
	ProductIDs         []string   `bun:"product_ids,type:jsonb,notnull"`
	PurchaseTimeMillis int64      `bun:"purchase_time_millis,notnull"`
	Acknowledged       bool       `bun:"acknowledged,notnull"`
	Verified           bool       `bun:"verified,notnull"`
	ProductID          string     `bun:"product_id,notnull"`
	PurchaseID         string     `bun:"purchase_id,notnull"`
	TransactionDate    *time.Time `bun:"transaction_date,nullzero"`
	ValidUntil         *time.Time `bun:"valid_until,nullzero"`
	IsTrial            *bool      `bun:"is_trial"`
	IsExpired          bool       `bun:"is_expired,notnull"`
	FamilyName         string     `bun:"family_name,notnull"`
	Attributes         string     `bun:"attributes,notnull"`
	Period             string     `bun:"period,notnull"`
	Generation         int64      `bun:"generation,notnull"`
	SettledAt          *time.Time `bun:"settled_at,nullzero"`
	CreatedAt          time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type catalogRecord struct {
	bun.BaseModel `bun:"table:purchase_catalogs,alias:pc"`

	ID         string        `bun:"id,pk"`
	Platform   string        `bun:"platform,notnull"`
	Attributes []byte        `bun:"attributes"`
	Offers     []offerRecord `bun:"offers,type:jsonb,notnull"`
	FetchedAt  time.Time     `bun:"fetched_at,notnull"`
	CreatedAt  time.Time     `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type offerRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title,omitempty"`
	Price         string `json:"price,omitempty"`
	PriceMicros   int64  `json:"price_micros,omitempty"`
	CurrencyCode  string `json:"currency_code,omitempty"`
	BillingPeriod string `json:"billing_period,omitempty"`
}
