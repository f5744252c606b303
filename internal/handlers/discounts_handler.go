package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/money"
	"github.com/imrishuroy/storefront-orderflow/internal/pricing"
)

// checkDiscount is informational only; the worker revalidates at order time.
func (h *handler) checkDiscount(c *gin.Context) {
	d, err := h.Catalog.GetDiscount(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.Logger.Error("get discount failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "discount_not_found"})
		return
	}

	resp := gin.H{"code": d.Code, "type": d.Type, "value": d.Value, "valid": true}
	if err := d.Check(h.nowFunc()); err != nil {
		resp["valid"] = false
		switch {
		case errors.Is(err, catalog.ErrDiscountExpired):
			resp["reason"] = "expired"
		case errors.Is(err, catalog.ErrDiscountExhausted):
			resp["reason"] = "exhausted"
		default:
			resp["reason"] = "inactive"
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	if s := c.Query("subtotal"); s != "" {
		subtotal, err := decimal.NewFromString(s)
		if err != nil || subtotal.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subtotal"})
			return
		}
		resp["estimatedDiscount"] = money.New(pricing.DiscountAmount(d, subtotal))
	}
	c.JSON(http.StatusOK, resp)
}
