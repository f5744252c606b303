package fulfillment

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/pricing"
)

// Failure reasons reported on the job record and in notifications.
const (
	ReasonInsufficientStock    = "insufficient_stock"
	ReasonProductNotFound      = "product_not_found"
	ReasonVariantNotFound      = "variant_not_found"
	ReasonProductInactive      = "product_inactive"
	ReasonDiscountInvalid      = "discount_invalid"
	ReasonDiscountExpired      = "discount_expired"
	ReasonDiscountExhausted    = "discount_exhausted"
	ReasonInvalidPaymentMethod = "invalid_payment_method"
	ReasonInvalidAddress       = "invalid_address"
	ReasonInvalidRequest       = "invalid_request"
	ReasonProcessingTimeout    = "processing_timeout"
	ReasonRetriesExhausted     = "retries_exhausted"
)

// BusinessError is a terminal failure: retrying the job cannot change the
// outcome. Every other error is treated as transient.
type BusinessError struct {
	Reason string
	Detail string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func businessErr(reason, format string, args ...any) *BusinessError {
	return &BusinessError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// pricingFailure maps a pricing error to a business error, or returns err
// unchanged when it is not a business rule violation.
func pricingFailure(err error) error {
	var le *pricing.LineError
	if !errors.As(err, &le) {
		return fmt.Errorf("price order: %w", err)
	}
	switch {
	case errors.Is(err, pricing.ErrProductNotFound):
		return businessErr(ReasonProductNotFound, "product %s does not exist", le.ProductID)
	case errors.Is(err, pricing.ErrProductInactive):
		return businessErr(ReasonProductInactive, "product %s is no longer available", le.ProductID)
	case errors.Is(err, pricing.ErrVariantNotFound):
		return businessErr(ReasonVariantNotFound, "variant %s of product %s does not exist", le.VariantID, le.ProductID)
	case errors.Is(err, catalog.ErrInsufficientStock):
		return businessErr(ReasonInsufficientStock, "not enough stock for %s/%s", le.ProductID, le.VariantID)
	case errors.Is(err, pricing.ErrInvalidQuantity):
		return businessErr(ReasonInvalidRequest, "quantity for %s/%s must be at least 1", le.ProductID, le.VariantID)
	}
	return fmt.Errorf("price order: %w", err)
}
