package handlers

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/carts"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

// StatusQueued is reported for jobs accepted at intake that no worker has
// picked up yet.
const StatusQueued = "QUEUED"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (h *handler) createOrder(c *gin.Context) {
	ctx := c.Request.Context()

	// Bind + validate request
	var req validation.CreateOrderRequest
	if err := validation.BindAndValidate(c, &req, h.Validator); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	userID := auth.UserID(c)
	submitter := userID
	if submitter == "" {
		submitter = "ip:" + c.ClientIP()
	}
	if h.throttled(c, submitter) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_orders"})
		return
	}

	jobID := uuid.NewString()
	logger := h.Logger.With(zap.String("job_id", jobID))

	// Optional idempotency key: a replay returns the job of the first submission
	var idemKey string
	if k := c.GetHeader("Idempotency-Key"); k != "" {
		idemKey = h.Cache.GenerateKey("intake", submitter+":"+k)
		claimed, err := h.Cache.SetNX(ctx, idemKey, jobID, h.IntakeKeyTTL)
		switch {
		case err != nil:
			logger.Warn("idempotency key not recorded", zap.Error(err))
			idemKey = ""
		case !claimed:
			existing, err := h.Cache.Get(ctx, idemKey)
			if err == nil && existing != "" {
				c.Header("Location", fmt.Sprintf("/orders/jobs/%s", existing))
				c.JSON(http.StatusOK, gin.H{"jobId": existing, "message": "Order is being processed", "orderNumber": "PENDING"})
				return
			}
			logger.Warn("idempotency key claimed but unreadable", zap.Error(err))
		}
	}

	// The cart is cleared before enqueue so an impatient resubmit finds it empty
	cartID := c.GetHeader("X-Cart-Id")
	if userID != "" {
		cartID = carts.UserCartID(userID)
	}
	if cartID != "" {
		err := h.Carts.Clear(ctx, cartID, userID)
		switch {
		case errors.Is(err, carts.ErrNotOwned):
			logger.Warn("cart belongs to another user, left untouched", zap.String("cart_id", cartID))
			cartID = ""
		case err != nil:
			logger.Warn("clear cart failed", zap.String("cart_id", cartID), zap.Error(err))
		}
	}

	job := queue.OrderJob{
		JobID:          jobID,
		EnqueuedAt:     h.nowFunc().UTC(),
		Request:        req.ToRequest(),
		ResolvedUserID: userID,
		CartID:         cartID,
	}
	if _, err := h.Queue.Enqueue(ctx, job); err != nil {
		logger.Error("enqueue order job failed", zap.Error(err))
		if idemKey != "" {
			_ = h.Cache.Delete(ctx, idemKey)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
		return
	}
	if err := h.Cache.Set(ctx, h.Cache.GenerateKey("job", jobID), StatusQueued, h.IntakeKeyTTL); err != nil {
		logger.Debug("queued marker not recorded", zap.Error(err))
	}

	logger.Info("order accepted", zap.String("user_id", userID), zap.Int("items", len(job.Request.Items)))
	c.Header("Location", fmt.Sprintf("/orders/jobs/%s", jobID))
	c.JSON(http.StatusCreated, gin.H{"jobId": jobID, "message": "Order is being processed", "orderNumber": "PENDING"})
}

// throttled counts a submission and reports whether the submitter exceeded
// the per-minute limit. Counter failures never block an order.
func (h *handler) throttled(c *gin.Context, submitter string) bool {
	if h.IntakeRateLimit <= 0 {
		return false
	}
	window := h.nowFunc().UTC().Format("200601021504")
	n, err := h.Cache.Incr(c.Request.Context(), h.Cache.GenerateKey("intake_rate", submitter+":"+window), time.Minute)
	if err != nil {
		h.Logger.Warn("intake counter unavailable", zap.Error(err))
		return false
	}
	return n > int64(h.IntakeRateLimit)
}

func (h *handler) listOrders(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	limit, err := intQuery(c, "limit", defaultPageSize)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	list, total, err := h.Orders.ListByUser(c.Request.Context(), auth.UserID(c), page, limit)
	if err != nil {
		h.Logger.Error("list orders failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     list,
		"total":      total,
		"page":       page,
		"limit":      limit,
		"totalPages": int(math.Ceil(float64(total) / float64(limit))),
	})
}

func (h *handler) getJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("jobId")

	rec, err := h.Jobs.Get(ctx, jobID)
	if err != nil {
		h.Logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if rec == nil {
		if queued, _ := h.Cache.Get(ctx, h.Cache.GenerateKey("job", jobID)); queued != "" {
			c.JSON(http.StatusOK, gin.H{"jobId": jobID, "status": StatusQueued})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	// a job id is a capability for guests; signed-in users only see their own
	if uid := auth.UserID(c); uid != "" && rec.UserID != "" && rec.UserID != uid {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}

	resp := gin.H{"jobId": rec.JobID, "status": rec.Status, "attempts": rec.Attempts}
	if rec.OrderID != "" {
		resp["orderId"] = rec.OrderID
		resp["orderNumber"] = rec.OrderNumber
	}
	if rec.Reason != "" {
		resp["reason"] = rec.Reason
		resp["detail"] = rec.Detail
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) updateStatus(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")

	var req validation.UpdateStatusRequest
	if err := validation.BindAndValidate(c, &req, h.Validator); err != nil {
		return
	}

	from := req.From
	if from == "" {
		o, err := h.Orders.Get(ctx, orderID)
		if err != nil {
			h.Logger.Error("get order failed", zap.String("order_id", orderID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			return
		}
		if o == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		from = o.Status
	}

	err := h.Orders.UpdateStatus(ctx, orderID, from, req.Status)
	switch {
	case errors.Is(err, orders.ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_transition", "from": from, "to": req.Status})
		return
	case errors.Is(err, orders.ErrStatusMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "status_changed"})
		return
	case err != nil:
		h.Logger.Error("update order status failed", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	h.Logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", from),
		zap.String("to", req.Status),
		zap.String("by", auth.UserID(c)))
	c.JSON(http.StatusOK, gin.H{"orderId": orderID, "status": req.Status})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
