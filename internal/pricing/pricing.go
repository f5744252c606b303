package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is not active")
	ErrVariantNotFound = errors.New("variant not found")
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

var hundred = decimal.NewFromInt(100)

// LineError ties a pricing failure to the order line that caused it.
type LineError struct {
	ProductID string
	VariantID string
	Err       error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.ProductID, e.VariantID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Item is a requested order line.
type Item struct {
	ProductID string
	VariantID string
	Quantity  int
}

// Line is a priced order line.
type Line struct {
	ProductID string
	VariantID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice decimal.Decimal
	Total     decimal.Decimal
}

// Settings is the flat tax and shipping estimate.
type Settings struct {
	TaxRate               decimal.Decimal
	ShippingFlat          decimal.Decimal
	FreeShippingThreshold decimal.Decimal // zero disables free shipping
}

// Quote is the authoritative set of totals for an order.
type Quote struct {
	Lines        []Line
	Subtotal     decimal.Decimal
	DiscountCode string
	Discount     decimal.Decimal
	Tax          decimal.Decimal
	Shipping     decimal.Decimal
	Total        decimal.Decimal
}

// ProductReader loads catalog products.
type ProductReader interface {
	GetProduct(ctx context.Context, productID string) (*catalog.Product, error)
}

// PriceLines loads current catalog state for every item and prices it.
// Stock is checked here as a fast failure; the guarded reservation that
// follows is what actually prevents overselling.
func PriceLines(ctx context.Context, products ProductReader, items []Item) ([]Line, error) {
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		lineErr := func(err error) error {
			return &LineError{ProductID: it.ProductID, VariantID: it.VariantID, Err: err}
		}
		if it.Quantity < 1 {
			return nil, lineErr(ErrInvalidQuantity)
		}
		p, err := products.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, lineErr(ErrProductNotFound)
		}
		if !p.IsActive {
			return nil, lineErr(ErrProductInactive)
		}
		v, ok := p.Variants[it.VariantID]
		if !ok {
			return nil, lineErr(ErrVariantNotFound)
		}
		if v.Stock < it.Quantity {
			return nil, lineErr(catalog.ErrInsufficientStock)
		}

		unit := UnitPrice(p, v)
		lines = append(lines, Line{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      p.Name,
			SKU:       v.SKU,
			Quantity:  it.Quantity,
			UnitPrice: unit,
			Total:     unit.Mul(decimal.NewFromInt(int64(it.Quantity))),
		})
	}
	return lines, nil
}

// UnitPrice is the product price plus the variant adjustment.
func UnitPrice(p *catalog.Product, v catalog.Variant) decimal.Decimal {
	return p.Price.Add(v.PriceAdjustment.Decimal).Round(2)
}

// Subtotal sums line totals.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Total)
	}
	return sum
}

// DiscountAmount is what d takes off subtotal, never more than subtotal.
func DiscountAmount(d *catalog.Discount, subtotal decimal.Decimal) decimal.Decimal {
	if d == nil || subtotal.Sign() <= 0 {
		return decimal.Zero
	}
	var amount decimal.Decimal
	switch d.Type {
	case catalog.DiscountFixedAmount:
		amount = d.Value.Decimal
	case catalog.DiscountPercentage:
		amount = subtotal.Mul(d.Value.Decimal).Div(hundred)
	default:
		return decimal.Zero
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(amount, subtotal).Round(2)
}

// Quote computes totals for priced lines and a discount amount.
// tax = (subtotal - discount) * rate; shipping is flat unless the discounted
// subtotal reaches the free shipping threshold.
func (s Settings) Quote(lines []Line, discountCode string, discount decimal.Decimal) Quote {
	subtotal := Subtotal(lines)
	discount = decimal.Min(discount, subtotal)
	net := subtotal.Sub(discount)

	tax := net.Mul(s.TaxRate).Round(2)
	shipping := s.ShippingFlat
	if s.FreeShippingThreshold.IsPositive() && net.GreaterThanOrEqual(s.FreeShippingThreshold) {
		shipping = decimal.Zero
	}
	return Quote{
		Lines:        lines,
		Subtotal:     subtotal.Round(2),
		DiscountCode: discountCode,
		Discount:     discount.Round(2),
		Tax:          tax,
		Shipping:     shipping.Round(2),
		Total:        net.Add(tax).Add(shipping).Round(2),
	}
}
