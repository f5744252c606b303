package orders

// RequestItem is one line of a submitted order. Prices are never accepted
// from the client.
type RequestItem struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int    `json:"quantity"`
}

// Request is an order as submitted at intake and carried by the job.
type Request struct {
	Items           []RequestItem   `json:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	DiscountCode    string          `json:"discountCode,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}
