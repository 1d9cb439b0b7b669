// Package receipt holds the local, offline receipt validators. Each supported
// storefront has one implementation, selected with ForStorefront.
package receipt

import (
	"errors"
	"time"

	"receipt-validator/internal/models"
	"receipt-validator/internal/platform"
)

var (
	ErrInvalidSignature = errors.New("receipt: invalid signature")
	ErrInvalidReceipt   = errors.New("receipt: malformed receipt")
	ErrBundleMismatch   = errors.New("receipt: bundle id mismatch")
)

// PurchaseState as reported inside a decoded store receipt.
type PurchaseState int

const (
	StatePurchased PurchaseState = 0
	StateCanceled  PurchaseState = 1
	// StateDeferred marks a payment awaiting approval, e.g. parental consent.
	StateDeferred PurchaseState = 2
)

// DecodedReceipt is one purchase claim extracted from a receipt.
type DecodedReceipt struct {
	ProductID     string
	TransactionID string
	PurchaseState PurchaseState
	PurchaseDate  time.Time
}

// Validator checks a raw receipt offline.
type Validator interface {
	Validate(receipt []byte) ([]DecodedReceipt, error)
}

// Options configures the validators built by ForStorefront.
type Options struct {
	BundleID            string
	GooglePlayPublicKey string
}

// ForStorefront returns the local validator for s, or false when the
// storefront has no local validation step or is not configured for it.
func ForStorefront(s platform.Storefront, opts Options) (Validator, bool) {
	switch s {
	case platform.GooglePlay:
		if opts.GooglePlayPublicKey == "" {
			return nil, false
		}
		return NewGooglePlayValidator(opts.GooglePlayPublicKey, opts.BundleID), true
	}
	return nil, false
}

// Evaluate runs v against the order receipt and maps the result to an outcome.
// Signature and format failures are Failed; a deferred payment for the
// product under validation is Pending; everything else is Purchased.
func Evaluate(v Validator, order models.Order) (models.Outcome, error) {
	decoded, err := v.Validate([]byte(order.Receipt))
	if err != nil {
		return models.Failed, err
	}

	for _, d := range decoded {
		if d.ProductID != order.StoreID() && d.ProductID != order.ProductID {
			continue
		}
		if d.PurchaseState == StateDeferred {
			return models.Pending, nil
		}
	}
	return models.Purchased, nil
}
