package metrics

import (
	"context"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// Metric names.
const (
	OrdersCreated  = "OrdersCreated"
	OrdersFailed   = "OrdersFailed"
	JobRetries     = "JobRetries"
	StockConflicts = "StockConflicts"
	JobDuration    = "JobDuration"
)

// Recorder receives pipeline measurements. Implementations must not block
// order processing on failure.
type Recorder interface {
	OrderCreated(ctx context.Context)
	OrderFailed(ctx context.Context, reason string)
	JobRetry(ctx context.Context)
	StockConflict(ctx context.Context)
	JobDuration(ctx context.Context, d time.Duration)
}

// CloudWatch publishes every measurement with PutMetricData.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    *zap.Logger
}

// NewCloudWatch returns a recorder writing to namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, logger *zap.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, logger: logger.Named("metrics")}
}

func (c *CloudWatch) OrderCreated(ctx context.Context) {
	c.put(ctx, OrdersCreated, 1, types.StandardUnitCount)
}

func (c *CloudWatch) OrderFailed(ctx context.Context, reason string) {
	c.put(ctx, OrdersFailed, 1, types.StandardUnitCount, types.Dimension{
		Name:  sdkaws.String("Reason"),
		Value: sdkaws.String(reason),
	})
}

func (c *CloudWatch) JobRetry(ctx context.Context) {
	c.put(ctx, JobRetries, 1, types.StandardUnitCount)
}

func (c *CloudWatch) StockConflict(ctx context.Context) {
	c.put(ctx, StockConflicts, 1, types.StandardUnitCount)
}

func (c *CloudWatch) JobDuration(ctx context.Context, d time.Duration) {
	c.put(ctx, JobDuration, float64(d.Milliseconds()), types.StandardUnitMilliseconds)
}

func (c *CloudWatch) put(ctx context.Context, name string, value float64, unit types.StandardUnit, dims ...types.Dimension) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: sdkaws.String(c.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: sdkaws.String(name),
			Value:      sdkaws.Float64(value),
			Unit:       unit,
			Timestamp:  sdkaws.Time(time.Now()),
			Dimensions: dims,
		}},
	})
	if err != nil {
		c.logger.Warn("put metric failed", zap.String("metric", name), zap.Error(err))
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) OrderCreated(context.Context)               {}
func (Nop) OrderFailed(context.Context, string)        {}
func (Nop) JobRetry(context.Context)                   {}
func (Nop) StockConflict(context.Context)              {}
func (Nop) JobDuration(context.Context, time.Duration) {}
