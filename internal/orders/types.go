package orders

import (
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/money"
)

// Order statuses
const (
	StatusPending    = "pending"
	StatusConfirmed  = "confirmed"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
)

var transitions = map[string][]string{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped},
	StatusShipped:    {StatusDelivered},
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LineItem is a priced order line.
type LineItem struct {
	ProductID  string       `dynamodbav:"product_id" json:"productId"`
	VariantID  string       `dynamodbav:"variant_id" json:"variantId"`
	Name       string       `dynamodbav:"name" json:"name"`
	SKU        string       `dynamodbav:"sku,omitempty" json:"sku,omitempty"`
	Quantity   int          `dynamodbav:"quantity" json:"quantity"`
	UnitPrice  money.Amount `dynamodbav:"unit_price" json:"unitPrice"`
	TotalPrice money.Amount `dynamodbav:"total_price" json:"totalPrice"`
}

// ShippingAddress is the destination captured at checkout.
type ShippingAddress struct {
	FullName   string `dynamodbav:"full_name" json:"fullName"`
	Email      string `dynamodbav:"email" json:"email"`
	Phone      string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Line1      string `dynamodbav:"line1" json:"line1"`
	Line2      string `dynamodbav:"line2,omitempty" json:"line2,omitempty"`
	City       string `dynamodbav:"city" json:"city"`
	State      string `dynamodbav:"state,omitempty" json:"state,omitempty"`
	PostalCode string `dynamodbav:"postal_code" json:"postalCode"`
	Country    string `dynamodbav:"country" json:"country"`
}

// PaymentDetails records the declared payment method; nothing is charged here.
type PaymentDetails struct {
	Method string `dynamodbav:"method" json:"method"`
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID         string          `dynamodbav:"order_id" json:"orderId"` // PK
	OrderNumber     string          `dynamodbav:"order_number" json:"orderNumber"`
	JobID           string          `dynamodbav:"job_id" json:"jobId"`
	UserID          string          `dynamodbav:"user_id" json:"userId"`
	Items           []LineItem      `dynamodbav:"items" json:"items"`
	Subtotal        money.Amount    `dynamodbav:"subtotal" json:"subtotal"`
	DiscountCode    string          `dynamodbav:"discount_code,omitempty" json:"discountCode,omitempty"`
	DiscountAmount  money.Amount    `dynamodbav:"discount_amount" json:"discountAmount"`
	TaxAmount       money.Amount    `dynamodbav:"tax_amount" json:"taxAmount"`
	ShippingAmount  money.Amount    `dynamodbav:"shipping_amount" json:"shippingAmount"`
	TotalAmount     money.Amount    `dynamodbav:"total_amount" json:"totalAmount"`
	ShippingAddress ShippingAddress `dynamodbav:"shipping_address" json:"shippingAddress"`
	PaymentDetails  PaymentDetails  `dynamodbav:"payment_details" json:"paymentDetails"`
	Notes           string          `dynamodbav:"notes,omitempty" json:"notes,omitempty"`
	Status          string          `dynamodbav:"status" json:"status"`
	CreatedAt       time.Time       `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `dynamodbav:"updated_at" json:"updatedAt"`
	CreatedMs       int64           `dynamodbav:"created_ms" json:"-"` // sort key of UserIndex
}
