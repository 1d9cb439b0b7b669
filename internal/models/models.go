package models

import (
	"encoding/json"
	"fmt"
)

// Status is the server-side entitlement status ordinal.
type Status int

const (
	StatusActive       Status = 0
	StatusActiveTrial  Status = 1
	StatusExpired      Status = 2
	StatusBillingRetry Status = 3
	StatusGracePeriod  Status = 4
	StatusRevoked      Status = 5
)

// IsActive reports whether the status grants the entitlement (active, trial, grace period).
func (s Status) IsActive() bool {
	switch s {
	case StatusActive, StatusActiveTrial, StatusGracePeriod:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusActiveTrial:
		return "active_trial"
	case StatusExpired:
		return "expired"
	case StatusBillingRetry:
		return "billing_retry"
	case StatusGracePeriod:
		return "grace_period"
	case StatusRevoked:
		return "revoked"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ProductType classifies a store product.
type ProductType int

const (
	Consumable ProductType = iota
	NonConsumable
	Subscription
)

// WireName is the product type string the validation service expects.
func (t ProductType) WireName() string {
	switch t {
	case Consumable:
		return "Consumable"
	case Subscription:
		return "Subscription"
	default:
		return "Non-Consumable"
	}
}

func (t ProductType) String() string { return t.WireName() }

// Restorable reports whether purchases of this type survive a reinstall.
func (t ProductType) Restorable() bool {
	return t != Consumable
}

// ParseProductType accepts the wire names plus a few lenient spellings.
func ParseProductType(s string) (ProductType, error) {
	switch s {
	case "Consumable", "consumable":
		return Consumable, nil
	case "Non-Consumable", "NonConsumable", "non_consumable", "nonconsumable":
		return NonConsumable, nil
	case "Subscription", "subscription":
		return Subscription, nil
	}
	return 0, fmt.Errorf("unknown product type %q", s)
}

func (t ProductType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.WireName())
}

func (t *ProductType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseProductType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PurchaseRecord is a server-confirmed entitlement. It is replaced wholesale
// whenever the same product is validated again.
type PurchaseRecord struct {
	ProductID    string `json:"productId"`
	Status       Status `json:"status"`
	Type         string `json:"type,omitempty"`
	Sandbox      bool   `json:"sandbox"`
	ExpiresDate  *int64 `json:"expiresDate,omitempty"` // unix milliseconds
	AutoRenew    *bool  `json:"autoRenew,omitempty"`
	CancelReason *int   `json:"cancelReason,omitempty"`
	BillingRetry *bool  `json:"billingRetry,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
}

// InventorySnapshot maps product id to its last known server record.
type InventorySnapshot map[string]PurchaseRecord

// Order is a purchase as reported by the platform store.
type Order struct {
	ProductID      string      `json:"product_id"`
	StoreProductID string      `json:"store_product_id,omitempty"`
	TransactionID  string      `json:"transaction_id"`
	Type           ProductType `json:"type"`
	Receipt        string      `json:"receipt,omitempty"`
}

// StoreID returns the store-specific product id, falling back to ProductID.
func (o Order) StoreID() string {
	if o.StoreProductID != "" {
		return o.StoreProductID
	}
	return o.ProductID
}

// Outcome is the result of a purchase validation request.
type Outcome int

const (
	// Purchased: the transaction may be closed and the reward granted.
	Purchased Outcome = iota
	// Pending: the transaction must stay open until a later callback resolves it.
	Pending
	// Failed: the transaction is invalid and is closed without reward.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Purchased:
		return "purchased"
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "purchased":
		*o = Purchased
	case "pending":
		*o = Pending
	case "failed":
		*o = Failed
	default:
		return fmt.Errorf("unknown outcome %q", s)
	}
	return nil
}

// ValidationRequest is the body sent to the receipt validation endpoint.
type ValidationRequest struct {
	Store   string `json:"store"`
	Bid     string `json:"bid"`
	Pid     string `json:"pid"`
	Type    string `json:"type"`
	User    string `json:"user"`
	Receipt string `json:"receipt"`
}

// ValidationResponse is the parsed reply of the validation endpoint.
type ValidationResponse struct {
	Data  *PurchaseRecord `json:"data,omitempty"`
	User  string          `json:"user,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  int             `json:"code,omitempty"`
}

// Succeeded reports whether the response carries a record and no error.
func (r ValidationResponse) Succeeded() bool {
	return r.Error == "" && r.Data != nil
}

// InventoryResponse is the reply of the inventory endpoint.
type InventoryResponse struct {
	Purchases []InventoryEntry `json:"purchases"`
}

// InventoryEntry wraps one record of the inventory reply.
type InventoryEntry struct {
	Data PurchaseRecord `json:"data"`
}

// PurchaseResponse is returned by the HTTP bridge for POST /purchases.
type PurchaseResponse struct {
	ProductID     string  `json:"product_id"`
	TransactionID string  `json:"transaction_id"`
	Outcome       Outcome `json:"outcome"`
}

// OwnershipResponse is returned by the HTTP bridge for ownership queries.
type OwnershipResponse struct {
	ProductID string `json:"product_id"`
	Owned     bool   `json:"owned"`
}

// SetUserRequest sets the opaque user id used for validation and inventory.
type SetUserRequest struct {
	UserID string `json:"user_id"`
}

// SyncResponse reports whether POST /inventory/sync started a sync.
type SyncResponse struct {
	Started bool `json:"started"`
}

// RestoreResponse reports how many restore submissions were scheduled.
type RestoreResponse struct {
	Scheduled int `json:"scheduled"`
}

// FeatureToggleRequest switches a runtime feature flag.
type FeatureToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
