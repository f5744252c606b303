package validation

import (
	"strings"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// Item represents a single order line item. Prices are never accepted from
// the client.
type Item struct {
	ProductID string `json:"productId" validate:"required,max=64"`
	VariantID string `json:"variantId" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=100"`
}

// ShippingAddress is where the order ships; its email identifies guests.
type ShippingAddress struct {
	FullName   string `json:"fullName" validate:"required,max=120"`
	Email      string `json:"email" validate:"required,email,max=254"`
	Phone      string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"omitempty,max=200"`
	City       string `json:"city" validate:"required,max=100"`
	State      string `json:"state,omitempty" validate:"omitempty,max=100"`
	PostalCode string `json:"postalCode" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=56"`
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	Items           []Item          `json:"items" validate:"required,min=1,max=50,dive"`
	ShippingAddress ShippingAddress `json:"shippingAddress" validate:"required"`
	PaymentMethod   string          `json:"paymentMethod" validate:"required,payment_method"`
	DiscountCode    string          `json:"discountCode,omitempty" validate:"omitempty,max=32,alphanum"`
	Notes           string          `json:"notes,omitempty" validate:"omitempty,max=500"`
}

// ToRequest converts the payload into the order request carried by the job.
func (r CreateOrderRequest) ToRequest() orders.Request {
	items := make([]orders.RequestItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = orders.RequestItem{
			ProductID: strings.TrimSpace(it.ProductID),
			VariantID: strings.TrimSpace(it.VariantID),
			Quantity:  it.Quantity,
		}
	}
	a := r.ShippingAddress
	req := orders.Request{
		Items: items,
		ShippingAddress: orders.ShippingAddress{
			FullName:   strings.TrimSpace(a.FullName),
			Email:      strings.ToLower(strings.TrimSpace(a.Email)),
			Phone:      strings.TrimSpace(a.Phone),
			Line1:      strings.TrimSpace(a.Line1),
			Line2:      strings.TrimSpace(a.Line2),
			City:       strings.TrimSpace(a.City),
			State:      strings.TrimSpace(a.State),
			PostalCode: strings.TrimSpace(a.PostalCode),
			Country:    strings.TrimSpace(a.Country),
		},
		PaymentMethod: strings.ToLower(strings.TrimSpace(r.PaymentMethod)),
		Notes:         strings.TrimSpace(r.Notes),
	}
	if r.DiscountCode != "" {
		req.DiscountCode = catalog.NormalizeCode(r.DiscountCode)
	}
	return req
}

// UpdateStatusRequest is the payload for PATCH /admin/orders/:id/status.
// From defaults to the order's current status.
type UpdateStatusRequest struct {
	From   string `json:"from,omitempty" validate:"omitempty,order_status"`
	Status string `json:"status" validate:"required,order_status"`
}
