package validation

import (
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// New returns a configured validator with the custom tags and struct-level
// validation registered. paymentMethods is the accepted set for the
// payment_method tag, compared case-insensitively.
func New(paymentMethods []string) *validatorv10.Validate {
	v := validatorv10.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	allowed := map[string]bool{}
	for _, m := range paymentMethods {
		allowed[strings.ToLower(strings.TrimSpace(m))] = true
	}
	_ = v.RegisterValidation("payment_method", func(fl validatorv10.FieldLevel) bool {
		return allowed[strings.ToLower(strings.TrimSpace(fl.Field().String()))]
	})
	_ = v.RegisterValidation("order_status", func(fl validatorv10.FieldLevel) bool {
		return orders.ValidStatus(fl.Field().String())
	})

	// the same variant may appear only once per order
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// createOrderStructValidation rejects repeated (product, variant) lines.
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	seen := map[string]bool{}
	for _, it := range req.Items {
		key := strings.TrimSpace(it.ProductID) + "/" + strings.TrimSpace(it.VariantID)
		if seen[key] {
			sl.ReportError(req.Items, "items", "Items", "unique_lines", key)
			return
		}
		seen[key] = true
	}
}
