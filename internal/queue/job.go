package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// OrderJob is the payload sent from API -> SQS -> Worker.
type OrderJob struct {
	JobID          string         `json:"jobId"`
	EnqueuedAt     time.Time      `json:"enqueuedAt"`
	Request        orders.Request `json:"request"`
	ResolvedUserID string         `json:"resolvedUserId,omitempty"`
	CartID         string         `json:"cartId,omitempty"`
}

// Decode parses a message body.
func Decode(body string) (OrderJob, error) {
	var job OrderJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return OrderJob{}, fmt.Errorf("invalid message body: %w", err)
	}
	if job.JobID == "" {
		return OrderJob{}, fmt.Errorf("invalid message body: missing jobId")
	}
	return job, nil
}

// Producer enqueues order jobs.
type Producer struct {
	pub *aws.Publisher
}

// NewProducer returns a producer on queueURL.
func NewProducer(client aws.SQSAPI, queueURL string) *Producer {
	return &Producer{pub: aws.NewPublisher(client, queueURL)}
}

// Enqueue sends job and returns the SQS message id.
func (p *Producer) Enqueue(ctx context.Context, job OrderJob) (string, error) {
	return p.pub.SendJSON(ctx, job, map[string]string{
		"job_id":  job.JobID,
		"user_id": job.ResolvedUserID,
	})
}
