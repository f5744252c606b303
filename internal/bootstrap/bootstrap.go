// Package bootstrap builds the plumbing shared by the api and worker
// binaries from the service config.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/cache"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	"github.com/imrishuroy/storefront-orderflow/internal/fulfillment"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/identity"
	"github.com/imrishuroy/storefront-orderflow/internal/logging"
	"github.com/imrishuroy/storefront-orderflow/internal/mailer"
	"github.com/imrishuroy/storefront-orderflow/internal/metrics"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
	"github.com/imrishuroy/storefront-orderflow/internal/users"
)

const serviceName = "orders"

// Infra holds the clients every binary needs.
type Infra struct {
	Config config.Config
	Logger *zap.Logger
	AWS    *aws.AWSClients
	Redis  redis.UniversalClient // nil when REDIS_ADDR is unset or unreachable
	Cache  cache.Cache
}

// Load reads the config and connects the clients.
func Load(ctx context.Context) (*Infra, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	clients, err := aws.NewAWSClients(ctx, aws.Settings{
		Region:           cfg.AWSRegion,
		EndpointOverride: cfg.AWSEndpointOverride,
	})
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}

	infra := &Infra{Config: cfg, Logger: logger, AWS: clients}
	infra.connectRedis(ctx)
	return infra, nil
}

func (i *Infra) connectRedis(ctx context.Context) {
	if i.Config.RedisAddr == "" {
		i.Logger.Info("REDIS_ADDR not set, using in-process cache and notifications")
		i.Cache = cache.NewMemoryCache(serviceName)
		return
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{i.Config.RedisAddr},
		Password: i.Config.RedisPassword,
		DB:       i.Config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		i.Logger.Warn("redis unreachable, using in-process cache and notifications",
			zap.String("addr", i.Config.RedisAddr), zap.Error(err))
		_ = client.Close()
		i.Cache = cache.NewMemoryCache(serviceName)
		return
	}
	i.Redis = client
	i.Cache = cache.NewRedisCache(client, serviceName)
}

// Close releases the clients and flushes the logger.
func (i *Infra) Close() {
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	_ = i.Logger.Sync()
}

// Notifier returns where workers publish job outcomes: Redis when it is
// available, else local.
func (i *Infra) Notifier(local *notify.Hub) notify.Publisher {
	if i.Redis != nil {
		return notify.NewRedisPublisher(i.Redis)
	}
	return local
}

// Processor wires the order processor. Callers should Wait on the returned
// resolver before exiting so pending welcome mails go out.
func (i *Infra) Processor(notifier notify.Publisher) (*fulfillment.Processor, *identity.Resolver, error) {
	cfg := i.Config
	numbers, err := orders.NewNumberGenerator(cfg.WorkerNodeID)
	if err != nil {
		return nil, nil, err
	}

	var m identity.Mailer = mailer.NewLogMailer(i.Logger)
	if cfg.EmailQueueURL != "" {
		m = mailer.NewSQSMailer(i.AWS.SQS, cfg.EmailQueueURL)
	}
	resolver := identity.NewResolver(
		users.NewStore(i.AWS.DynamoDB, cfg.UsersTable, cfg.UserEmailTable),
		i.Cache, m, i.Logger, cfg.PasswordResetTTL)

	var rec metrics.Recorder = metrics.Nop{}
	if cfg.MetricsNamespace != "" {
		rec = metrics.NewCloudWatch(i.AWS.CloudWatch, cfg.MetricsNamespace, i.Logger)
	}

	p := fulfillment.NewProcessor(fulfillment.Deps{
		Jobs:     idempotency.NewStore(i.AWS.DynamoDB, cfg.JobsTable, cfg.JobRecordTTL),
		Catalog:  catalog.NewStore(i.AWS.DynamoDB, cfg.ProductsTable, cfg.DiscountsTable),
		Orders:   orders.NewStore(i.AWS.DynamoDB, cfg.OrdersTable),
		Identity: resolver,
		Numbers:  numbers,
		Notifier: notifier,
		Metrics:  rec,
	}, fulfillment.ConfigFrom(cfg), i.Logger)
	return p, resolver, nil
}

// Consumer returns a queue consumer on the orders queue feeding h.
func (i *Infra) Consumer(h queue.Handler) *queue.Consumer {
	cfg := i.Config
	return queue.NewConsumer(i.AWS.SQS, cfg.OrdersQueueURL, h, queue.Options{
		Concurrency: cfg.WorkerConcurrency,
		// a receive must outlive the job timeout plus compensation
		Visibility:  2 * cfg.JobTimeout,
		BackoffBase: cfg.RetryBackoffBase,
	}, i.Logger)
}
