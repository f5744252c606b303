package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

var methods = []string{"card", "cash", "bank_transfer"}

func validRequest() CreateOrderRequest {
	return CreateOrderRequest{
		Items: []Item{
			{ProductID: "p1", VariantID: "v1", Quantity: 2},
			{ProductID: "p1", VariantID: "v2", Quantity: 1},
		},
		ShippingAddress: ShippingAddress{
			FullName:   "Ada Lovelace",
			Email:      "Ada@Example.com",
			Line1:      "1 Analytical St",
			City:       "London",
			PostalCode: "N1",
			Country:    "GB",
		},
		PaymentMethod: "Card",
		DiscountCode:  "save10",
	}
}

func TestCreateOrderRequest_Valid(t *testing.T) {
	v := New(methods)

	if err := v.Struct(validRequest()); err != nil {
		t.Fatalf("expected valid, got error: %v", err)
	}
}

func TestCreateOrderRequest_Invalid(t *testing.T) {
	v := New(methods)

	cases := map[string]func(r *CreateOrderRequest){
		"no items":           func(r *CreateOrderRequest) { r.Items = nil },
		"zero quantity":      func(r *CreateOrderRequest) { r.Items[0].Quantity = 0 },
		"missing variant":    func(r *CreateOrderRequest) { r.Items[0].VariantID = "" },
		"duplicate line":     func(r *CreateOrderRequest) { r.Items[1].VariantID = "v1" },
		"bad email":          func(r *CreateOrderRequest) { r.ShippingAddress.Email = "ada" },
		"missing city":       func(r *CreateOrderRequest) { r.ShippingAddress.City = "" },
		"unknown payment":    func(r *CreateOrderRequest) { r.PaymentMethod = "crypto" },
		"missing payment":    func(r *CreateOrderRequest) { r.PaymentMethod = "" },
		"long notes":         func(r *CreateOrderRequest) { r.Notes = strings.Repeat("x", 501) },
		"discount with dash": func(r *CreateOrderRequest) { r.DiscountCode = "SAVE-10" },
	}
	for name, mutate := range cases {
		req := validRequest()
		mutate(&req)
		if err := v.Struct(req); err == nil {
			t.Errorf("%s: expected validation error, got nil", name)
		}
	}
}

func TestCreateOrderRequest_ToRequest(t *testing.T) {
	req := validRequest().ToRequest()

	if req.PaymentMethod != "card" {
		t.Errorf("payment method = %q, want card", req.PaymentMethod)
	}
	if req.DiscountCode != "SAVE10" {
		t.Errorf("discount code = %q, want SAVE10", req.DiscountCode)
	}
	if req.ShippingAddress.Email != "ada@example.com" {
		t.Errorf("email = %q, want lower-cased", req.ShippingAddress.Email)
	}
	if len(req.Items) != 2 || req.Items[0].Quantity != 2 {
		t.Errorf("items not carried over: %+v", req.Items)
	}
}

func TestUpdateStatusRequest(t *testing.T) {
	v := New(methods)

	if err := v.Struct(UpdateStatusRequest{Status: "shipped"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Struct(UpdateStatusRequest{Status: "lost"}); err == nil {
		t.Fatal("expected unknown status to fail")
	}
	if err := v.Struct(UpdateStatusRequest{From: "gone", Status: "shipped"}); err == nil {
		t.Fatal("expected unknown from status to fail")
	}
}

func TestBindAndValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := New(methods)

	for body, want := range map[string]int{
		`{`:            http.StatusBadRequest,
		`{"items":[]}`: http.StatusBadRequest,
	} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
		c.Request.Header.Set("Content-Type", "application/json")

		var req CreateOrderRequest
		if err := BindAndValidate(c, &req, v); err == nil {
			t.Fatalf("%s: expected error", body)
		}
		if w.Code != want {
			t.Errorf("%s: status = %d, want %d", body, w.Code, want)
		}
	}
}
