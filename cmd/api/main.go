package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/auth"
	"github.com/imrishuroy/storefront-orderflow/internal/bootstrap"
	"github.com/imrishuroy/storefront-orderflow/internal/carts"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/handlers"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
	"github.com/imrishuroy/storefront-orderflow/internal/validation"
)

func setupRouter(logger *zap.Logger, cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.AccessLog(logger))

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := bootstrap.Load(ctx)
	if err != nil {
		log.Fatalf("failed to init api: %v", err)
	}
	defer infra.Close()
	cfg, logger := infra.Config, infra.Logger

	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// SSE clients subscribe on this instance; workers reach it through redis
	hub := notify.NewHub(logger)
	if infra.Redis != nil {
		bridge := notify.NewBridge(infra.Redis, hub, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("notification bridge stopped", zap.Error(err))
			}
		}()
	}

	if cfg.InProcessWorkers {
		processor, resolver, err := infra.Processor(infra.Notifier(hub))
		if err != nil {
			logger.Fatal("failed to build processor", zap.Error(err))
		}
		defer resolver.Wait()
		consumer := infra.Consumer(processor)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("in-process workers stopped", zap.Error(err))
			}
		}()
		logger.Info("in-process workers started", zap.Int("concurrency", cfg.WorkerConcurrency))
	}

	db := infra.AWS.DynamoDB
	r := setupRouter(logger, handlers.HandlerConfig{
		Orders:          orders.NewStore(db, cfg.OrdersTable),
		Jobs:            idempotency.NewStore(db, cfg.JobsTable, cfg.JobRecordTTL),
		Carts:           carts.NewStore(db, cfg.CartsTable),
		Catalog:         catalog.NewStore(db, cfg.ProductsTable, cfg.DiscountsTable),
		Queue:           queue.NewProducer(infra.AWS.SQS, cfg.OrdersQueueURL),
		Cache:           infra.Cache,
		Hub:             hub,
		Auth:            auth.NewMiddleware(cfg.JWTSecret, logger),
		Validator:       validation.New(cfg.PaymentMethods),
		Logger:          logger,
		IntakeKeyTTL:    cfg.IntakeKeyTTL,
		IntakeRateLimit: cfg.IntakeRateLimit,
	})

	// if RUN_LOCAL is set, run a local HTTP server for development.
	if cfg.RunLocal {
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
		go func() {
			<-ctx.Done()
			_ = srv.Shutdown(context.Background())
		}()
		logger.Info("running local server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to run local server", zap.Error(err))
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		// the adapter handles proxying; use adapter.ProxyWithContext for proper context propagation
		return adapter.ProxyWithContext(ctx, req)
	})
}
