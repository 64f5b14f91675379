package backend

// Wire shapes for the subscription backend. Field names follow the JSON the
// backend produces and accepts.

type catalogResponse struct {
	Data *catalogData `json:"data"`
}

type catalogData struct {
	Platform         string           `json:"platform"`
	Attributes       *string          `json:"attributes"`
	SubscriptionList []catalogProduct `json:"subscriptionList"`
}

type catalogProduct struct {
	SKU string `json:"sku"`
}

type verifyRequest struct {
	Purchases []verifyRequestPurchase `json:"purchases"`
}

type verifyRequestPurchase struct {
	PackageName   string   `json:"packageName"`
	PurchaseToken string   `json:"purchaseToken"`
	OrderID       string   `json:"orderId"`
	PurchaseTime  int64    `json:"purchaseTime"`
	SKU           string   `json:"sku"`
	SKUList       []string `json:"skuList"`
}

type verifyResponse struct {
	Data *verifyData `json:"data"`
}

type verifyData struct {
	Purchases []verifiedReceipt `json:"purchases"`
}

type verifiedReceipt struct {
	SKU             string  `json:"sku"`
	PurchaseID      *string `json:"purchaseId"`
	TransactionDate string  `json:"transactionDate"`
	ValidUntilDate  *string `json:"validUntilDate"`
	IsTrial         *bool   `json:"isTrial"`
	IsExpired       bool    `json:"isExpired"`
	FamilyName      *string `json:"familyName"`
	Attributes      *string `json:"attributes"`
	Period          *string `json:"period"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
