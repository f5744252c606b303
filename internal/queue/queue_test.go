package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws/awstest"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

const queueURL = "https://sqs.local/000000000000/orders"

type recorder struct {
	mu       sync.Mutex
	attempts map[string][]int
	fail     func(job OrderJob, attempt int) error
}

func newRecorder() *recorder {
	return &recorder{attempts: map[string][]int{}}
}

func (r *recorder) Handle(ctx context.Context, job OrderJob, attempt int) error {
	r.mu.Lock()
	r.attempts[job.JobID] = append(r.attempts[job.JobID], attempt)
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail(job, attempt)
	}
	return nil
}

func (r *recorder) seen(jobID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.attempts[jobID]...)
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		n += len(a)
	}
	return n
}

func job(id string) OrderJob {
	return OrderJob{
		JobID:      id,
		EnqueuedAt: time.Now().UTC(),
		Request: orders.Request{
			Items:         []orders.RequestItem{{ProductID: "p1", VariantID: "v1", Quantity: 1}},
			PaymentMethod: "card",
		},
	}
}

func startConsumer(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, Backoff(base, 0))
	assert.Equal(t, 5*time.Second, Backoff(base, 1))
	assert.Equal(t, 10*time.Second, Backoff(base, 2))
	assert.Equal(t, 40*time.Second, Backoff(base, 4))
	assert.Equal(t, MaxBackoff, Backoff(base, 12))
	assert.Equal(t, MaxBackoff, Backoff(base, 1000))
}

func TestDecode(t *testing.T) {
	_, err := Decode("{")
	assert.Error(t, err)
	_, err = Decode(`{"request":{}}`)
	assert.Error(t, err)

	j, err := Decode(`{"jobId":"j1","resolvedUserId":"u1","request":{"items":[{"productId":"p","variantId":"v","quantity":2}],"paymentMethod":"card"}}`)
	require.NoError(t, err)
	assert.Equal(t, "j1", j.JobID)
	assert.Equal(t, "u1", j.ResolvedUserID)
	assert.Equal(t, 2, j.Request.Items[0].Quantity)
}

func TestProducer_Enqueue(t *testing.T) {
	fake := awstest.NewSQS()
	p := NewProducer(fake, queueURL)

	id, err := p.Enqueue(context.Background(), job("j1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	bodies := fake.Bodies(queueURL)
	require.Len(t, bodies, 1)
	got, err := Decode(bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)

	fake.FailSends(errors.New("unavailable"))
	_, err = p.Enqueue(context.Background(), job("j2"))
	assert.Error(t, err)
}

func TestConsumer_ProcessesAndDeletes(t *testing.T) {
	fake := awstest.NewSQS()
	p := NewProducer(fake, queueURL)
	for _, id := range []string{"a", "b", "c"} {
		_, err := p.Enqueue(context.Background(), job(id))
		require.NoError(t, err)
	}

	rec := newRecorder()
	stop := startConsumer(t, NewConsumer(fake, queueURL, rec, Options{Concurrency: 2, WaitTime: time.Second}, zap.NewNop()))
	defer stop()

	require.Eventually(t, func() bool { return fake.Len(queueURL) == 0 }, 2*time.Second, 10*time.Millisecond)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, []int{1}, rec.seen(id))
	}
}

func TestConsumer_FailureBacksOffThenRetries(t *testing.T) {
	fake := awstest.NewSQS()
	msgID, err := NewProducer(fake, queueURL).Enqueue(context.Background(), job("flaky"))
	require.NoError(t, err)

	rec := newRecorder()
	rec.fail = func(job OrderJob, attempt int) error {
		if attempt == 1 {
			return errors.New("store unavailable")
		}
		return nil
	}
	opts := Options{Concurrency: 1, WaitTime: time.Second, BackoffBase: 90 * time.Second}
	stop := startConsumer(t, NewConsumer(fake, queueURL, rec, opts, zap.NewNop()))
	defer stop()

	require.Eventually(t, func() bool {
		return rec.total() == 1 && fake.Visibility(queueURL, msgID) > time.Minute
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fake.Len(queueURL))

	fake.MakeVisible(queueURL)
	require.Eventually(t, func() bool { return fake.Len(queueURL) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.seen("flaky"))
}

func TestConsumer_DropsUndecodableMessage(t *testing.T) {
	fake := awstest.NewSQS()
	_, err := fake.SendMessage(context.Background(), &sqs.SendMessageInput{
		QueueUrl:    sdkaws.String(queueURL),
		MessageBody: sdkaws.String("not json"),
	})
	require.NoError(t, err)

	rec := newRecorder()
	stop := startConsumer(t, NewConsumer(fake, queueURL, rec, Options{WaitTime: time.Second}, zap.NewNop()))
	defer stop()

	require.Eventually(t, func() bool { return fake.Len(queueURL) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, rec.total())
}

func TestHandleEvent_ReportsOnlyFailedRecords(t *testing.T) {
	rec := newRecorder()
	rec.fail = func(job OrderJob, attempt int) error {
		if job.JobID == "bad" {
			return errors.New("timeout")
		}
		return nil
	}
	c := NewConsumer(awstest.NewSQS(), queueURL, rec, Options{Concurrency: 2}, zap.NewNop())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "m1", Body: `{"jobId":"good"}`, Attributes: map[string]string{"ApproximateReceiveCount": "1"}},
		{MessageId: "m2", Body: `{"jobId":"bad"}`, Attributes: map[string]string{"ApproximateReceiveCount": "3"}},
		{MessageId: "m3", Body: `garbage`},
	}}
	resp, err := c.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m2", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, []int{1}, rec.seen("good"))
	assert.Equal(t, []int{3}, rec.seen("bad"))
}
