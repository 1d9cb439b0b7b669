package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"receipt-validator/internal/models"
)

const (
	maxIDLength      = 128
	maxReceiptLength = 256 << 10
)

var (
	productIDRegex     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)
	transactionIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateOrder checks an order submitted through the bridge. An empty
// transaction id is allowed here; the engine answers it with Failed.
func ValidateOrder(order models.Order) error {
	if err := ValidateProductID(order.ProductID, "product_id"); err != nil {
		return err
	}

	if order.StoreProductID != "" {
		if err := ValidateProductID(order.StoreProductID, "store_product_id"); err != nil {
			return err
		}
	}

	if order.TransactionID != "" {
		if len(order.TransactionID) > 256 {
			return &ValidationError{
				Field:   "transaction_id",
				Message: "cannot exceed 256 characters",
			}
		}
		if !transactionIDRegex.MatchString(order.TransactionID) {
			return &ValidationError{
				Field:   "transaction_id",
				Message: "contains invalid characters",
			}
		}
	}

	switch order.Type {
	case models.Consumable, models.NonConsumable, models.Subscription:
	default:
		return &ValidationError{
			Field:   "type",
			Message: "must be Consumable, Non-Consumable or Subscription",
		}
	}

	if len(order.Receipt) > maxReceiptLength {
		return &ValidationError{
			Field:   "receipt",
			Message: "exceeds maximum allowed size",
		}
	}

	return nil
}

func ValidateProductID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if len(id) > maxIDLength {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("cannot exceed %d characters", maxIDLength),
		}
	}

	if !productIDRegex.MatchString(id) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must contain only letters, digits, '.', '_' or '-'",
		}
	}

	return nil
}

// ValidateUserID accepts any printable id without whitespace.
func ValidateUserID(id string) error {
	if id == "" {
		return &ValidationError{
			Field:   "user_id",
			Message: "is required",
		}
	}

	if len(id) > maxIDLength {
		return &ValidationError{
			Field:   "user_id",
			Message: fmt.Sprintf("cannot exceed %d characters", maxIDLength),
		}
	}

	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return &ValidationError{
				Field:   "user_id",
				Message: "must not contain whitespace or control characters",
			}
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// SanitizeOrder strips control characters and surrounding whitespace from the
// identifier fields. The receipt is left untouched.
func SanitizeOrder(order *models.Order) {
	order.ProductID = SanitizeString(order.ProductID)
	order.StoreProductID = SanitizeString(order.StoreProductID)
	order.TransactionID = SanitizeString(order.TransactionID)
}
