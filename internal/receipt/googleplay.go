package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awa/go-iap/playstore"
)

// envelope is the store-agnostic receipt wrapper handed over by the purchasing SDK.
type envelope struct {
	Store         string          `json:"Store"`
	TransactionID string          `json:"TransactionID"`
	Payload       json.RawMessage `json:"Payload"`
}

// googlePayload carries the signed purchase data and its signature.
type googlePayload struct {
	JSON      string `json:"json"`
	Signature string `json:"signature"`
}

// googlePurchase is the signed purchase data.
// https://developer.android.com/google/play/billing/billing_reference
type googlePurchase struct {
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseTime  int64  `json:"purchaseTime"`
	PurchaseState int    `json:"purchaseState"`
	PurchaseToken string `json:"purchaseToken"`
}

// GooglePlayValidator verifies Google Play receipts against the app's
// licensing public key.
type GooglePlayValidator struct {
	publicKey string
	bundleID  string
	verify    func(publicKey string, data []byte, signature string) (bool, error)
}

// NewGooglePlayValidator creates a validator for the base64 encoded RSA public
// key shown in the Play Console. An empty bundleID disables the package check.
func NewGooglePlayValidator(publicKey, bundleID string) *GooglePlayValidator {
	return &GooglePlayValidator{
		publicKey: publicKey,
		bundleID:  bundleID,
		verify:    playstore.VerifySignature,
	}
}

// Validate checks the signature and decodes the purchase data.
func (v *GooglePlayValidator) Validate(raw []byte) ([]DecodedReceipt, error) {
	payload, err := decodeGooglePayload(raw)
	if err != nil {
		return nil, err
	}

	ok, err := v.verify(v.publicKey, []byte(payload.JSON), payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	var purchase googlePurchase
	if err := json.Unmarshal([]byte(payload.JSON), &purchase); err != nil {
		return nil, fmt.Errorf("%w: purchase data: %v", ErrInvalidReceipt, err)
	}
	if v.bundleID != "" && purchase.PackageName != v.bundleID {
		return nil, fmt.Errorf("%w: got %q", ErrBundleMismatch, purchase.PackageName)
	}

	return []DecodedReceipt{{
		ProductID:     purchase.ProductID,
		TransactionID: purchase.PurchaseToken,
		PurchaseState: PurchaseState(purchase.PurchaseState),
		PurchaseDate:  time.UnixMilli(purchase.PurchaseTime).UTC(),
	}}, nil
}

// decodeGooglePayload accepts the payload either as a JSON object or as a
// JSON string holding the object, both of which occur in the wild.
func decodeGooglePayload(raw []byte) (googlePayload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return googlePayload{}, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	if len(env.Payload) == 0 {
		return googlePayload{}, fmt.Errorf("%w: missing payload", ErrInvalidReceipt)
	}

	body := []byte(env.Payload)
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte(`"`)) {
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return googlePayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidReceipt, err)
		}
		body = []byte(s)
	}

	var payload googlePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return googlePayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidReceipt, err)
	}
	if payload.JSON == "" || payload.Signature == "" {
		return googlePayload{}, fmt.Errorf("%w: payload lacks json or signature", ErrInvalidReceipt)
	}
	return payload, nil
}
