package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/cache"
	"github.com/imrishuroy/storefront-orderflow/internal/carts"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
)

// Enqueuer hands order jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.OrderJob) (string, error)
}

// HandlerConfig groups dependencies for the HTTP handlers.
type HandlerConfig struct {
	Orders    *orders.Store
	Jobs      *idempotency.Store
	Carts     *carts.Store
	Catalog   *catalog.Store
	Queue     Enqueuer
	Cache     cache.Cache
	Hub       *notify.Hub
	Auth      *auth.Middleware
	Validator *validatorv10.Validate
	Logger    *zap.Logger

	IntakeKeyTTL    time.Duration
	IntakeRateLimit int
	Heartbeat       time.Duration // SSE keep-alive interval
}

type handler struct {
	HandlerConfig
	nowFunc func() time.Time
}

// RegisterRoutes registers every API route on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.IntakeKeyTTL <= 0 {
		cfg.IntakeKeyTTL = 24 * time.Hour
	}
	cfg.Logger = cfg.Logger.Named("api")
	h := &handler{HandlerConfig: cfg, nowFunc: time.Now}

	r.POST("/orders", cfg.Auth.Optional(), h.createOrder)
	r.GET("/orders", cfg.Auth.Required(), h.listOrders)
	r.GET("/orders/jobs/:jobId", cfg.Auth.Optional(), h.getJob)
	r.GET("/orders/jobs/:jobId/events", h.jobEvents)
	r.GET("/notifications/stream", cfg.Auth.Stream(), h.userEvents)
	r.GET("/discounts/:code", h.checkDiscount)

	admin := r.Group("/admin", cfg.Auth.Required(), auth.RequireRole("admin"))
	admin.PATCH("/orders/:id/status", h.updateStatus)
}
