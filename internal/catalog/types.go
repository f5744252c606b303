package catalog

import (
	"errors"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/money"
)

// Discount types
const (
	DiscountPercentage  = "percentage"
	DiscountFixedAmount = "fixed_amount"
)

// Variant is embedded in its product under variants.<variant_id>.
type Variant struct {
	VariantID       string       `dynamodbav:"variant_id" json:"variantId"`
	SKU             string       `dynamodbav:"sku" json:"sku"`
	Name            string       `dynamodbav:"name" json:"name"`
	PriceAdjustment money.Amount `dynamodbav:"price_adjustment" json:"priceAdjustment"`
	Stock           int          `dynamodbav:"stock" json:"stock"`
}

// Product is the item stored in the products table.
type Product struct {
	ProductID string             `dynamodbav:"product_id" json:"productId"` // PK
	Name      string             `dynamodbav:"name" json:"name"`
	Price     money.Amount       `dynamodbav:"price" json:"price"`
	IsActive  bool               `dynamodbav:"is_active" json:"isActive"`
	Variants  map[string]Variant `dynamodbav:"variants" json:"variants"`
	UpdatedAt time.Time          `dynamodbav:"updated_at" json:"updatedAt"`
}

// Discount is the item stored in the discounts table, keyed by upper-case code.
type Discount struct {
	Code            string       `dynamodbav:"code" json:"code"` // PK
	Type            string       `dynamodbav:"type" json:"type"` // percentage | fixed_amount
	Value           money.Amount `dynamodbav:"value" json:"value"`
	ValidFrom       time.Time    `dynamodbav:"valid_from" json:"validFrom"`
	ValidUntil      *time.Time   `dynamodbav:"valid_until,omitempty" json:"validUntil,omitempty"`
	UsageLimitTotal *int         `dynamodbav:"usage_limit_total,omitempty" json:"usageLimitTotal,omitempty"` // nil = unlimited
	UsedCount       int          `dynamodbav:"used_count" json:"usedCount"`
	IsActive        bool         `dynamodbav:"is_active" json:"isActive"`
}

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrDiscountExhausted = errors.New("discount usage limit reached")
	ErrDiscountInactive  = errors.New("discount is not active")
	ErrDiscountExpired   = errors.New("discount has expired")
	// ErrNothingToRelease means the journal entry was already removed, so the
	// reservation it guarded was compensated earlier.
	ErrNothingToRelease = errors.New("reservation already released")
)

// Check reports why the discount cannot be applied at now, or nil.
func (d *Discount) Check(now time.Time) error {
	if !d.IsActive || now.Before(d.ValidFrom) {
		return ErrDiscountInactive
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return ErrDiscountExpired
	}
	if d.UsageLimitTotal != nil && d.UsedCount >= *d.UsageLimitTotal {
		return ErrDiscountExhausted
	}
	return nil
}
