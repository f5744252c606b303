package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// Handler processes one job. attempt starts at 1. A nil return acknowledges
// the message; an error leaves it for redelivery after a backoff.
type Handler interface {
	Handle(ctx context.Context, job OrderJob, attempt int) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job OrderJob, attempt int) error

func (f HandlerFunc) Handle(ctx context.Context, job OrderJob, attempt int) error {
	return f(ctx, job, attempt)
}

// MaxBackoff caps the redelivery delay; SQS allows at most 12 hours but a
// stuck order should surface sooner.
const MaxBackoff = 15 * time.Minute

// Options tunes a Consumer.
type Options struct {
	Concurrency int
	WaitTime    time.Duration // long-poll wait, at most 20s
	Visibility  time.Duration // lease per receive, should exceed the job timeout
	BackoffBase time.Duration
}

// Consumer pulls order jobs from SQS with a pool of workers, or handles
// Lambda SQS events.
type Consumer struct {
	sqs      aws.SQSAPI
	queueURL string
	handler  Handler
	opts     Options
	logger   *zap.Logger
}

// NewConsumer returns a consumer for queueURL.
func NewConsumer(client aws.SQSAPI, queueURL string, h Handler, opts Options, logger *zap.Logger) *Consumer {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.WaitTime <= 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	return &Consumer{
		sqs:      client,
		queueURL: queueURL,
		handler:  h,
		opts:     opts,
		logger:   logger.Named("consumer"),
	}
}

// Backoff returns the redelivery delay after a failed attempt:
// base * 2^(attempt-1), capped at MaxBackoff.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Run polls until ctx is done, then waits for in-flight jobs to finish.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", zap.String("queue", c.queueURL), zap.Int("workers", c.opts.Concurrency))
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.work(ctx, id)
		}(i)
	}
	wg.Wait()
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) work(ctx context.Context, id int) {
	logger := c.logger.With(zap.Int("worker", id))
	for ctx.Err() == nil {
		input := &sqs.ReceiveMessageInput{
			QueueUrl:            &c.queueURL,
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(c.opts.WaitTime / time.Second),
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		}
		if c.opts.Visibility > 0 {
			input.VisibilityTimeout = int32(c.opts.Visibility / time.Second)
		}
		out, err := c.sqs.ReceiveMessage(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range out.Messages {
			c.process(ctx, m, logger)
		}
	}
}

func (c *Consumer) process(ctx context.Context, m sqstypes.Message, logger *zap.Logger) {
	// in-flight jobs finish on shutdown; the processor bounds them with its own timeout
	ctx = context.WithoutCancel(ctx)
	msgID := aws.ToString(m.MessageId)
	receipt := aws.ToString(m.ReceiptHandle)
	attempt := receiveCount(m.Attributes)

	job, err := Decode(aws.ToString(m.Body))
	if err != nil {
		// can never succeed; drop it instead of redelivering forever
		logger.Error("discarding undecodable message", zap.String("message_id", msgID), zap.Error(err))
		c.delete(ctx, receipt, logger)
		return
	}

	logger = logger.With(zap.String("job_id", job.JobID), zap.Int("attempt", attempt))
	if err := c.handler.Handle(ctx, job, attempt); err != nil {
		delay := Backoff(c.opts.BackoffBase, attempt)
		logger.Warn("job failed, scheduling redelivery", zap.Duration("backoff", delay), zap.Error(err))
		c.retryAfter(ctx, receipt, delay, logger)
		return
	}
	c.delete(ctx, receipt, logger)
}

func (c *Consumer) delete(ctx context.Context, receipt string, logger *zap.Logger) {
	_, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: &receipt,
	})
	if err != nil {
		// the job is idempotent; a redelivery will be skipped
		logger.Warn("delete message failed", zap.Error(err))
	}
}

func (c *Consumer) retryAfter(ctx context.Context, receipt string, delay time.Duration, logger *zap.Logger) {
	if c.queueURL == "" || receipt == "" {
		return
	}
	_, err := c.sqs.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &c.queueURL,
		ReceiptHandle:     &receipt,
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		logger.Warn("change visibility failed", zap.Error(err))
	}
}

// HandleEvent is the Lambda entry point. Failed records are reported as
// batch item failures so only they are redelivered; the event source
// mapping must enable ReportBatchItemFailures.
func (c *Consumer) HandleEvent(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	c.logger.Debug("received SQS event", zap.Int("records", len(ev.Records)))

	var (
		mu   sync.Mutex
		resp events.SQSEventResponse
		wg   sync.WaitGroup
		sem  = make(chan struct{}, c.opts.Concurrency)
	)
	for _, r := range ev.Records {
		wg.Add(1)
		sem <- struct{}{}
		go func(r events.SQSMessage) {
			defer wg.Done()
			defer func() { <-sem }()

			logger := c.logger.With(zap.String("message_id", r.MessageId))
			job, err := Decode(r.Body)
			if err != nil {
				logger.Error("discarding undecodable message", zap.Error(err))
				return
			}
			attempt := receiveCount(r.Attributes)
			logger = logger.With(zap.String("job_id", job.JobID), zap.Int("attempt", attempt))
			if err := c.handler.Handle(ctx, job, attempt); err != nil {
				delay := Backoff(c.opts.BackoffBase, attempt)
				logger.Warn("job failed, scheduling redelivery", zap.Duration("backoff", delay), zap.Error(err))
				c.retryAfter(context.WithoutCancel(ctx), r.ReceiptHandle, delay, logger)
				mu.Lock()
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: r.MessageId})
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return resp, nil
}

func receiveCount(attrs map[string]string) int {
	n, err := strconv.Atoi(attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil || n < 1 {
		return 1
	}
	return n
}
