package notify

import (
	"context"

	"github.com/imrishuroy/storefront-orderflow/internal/orders"
)

// EventName is the SSE event name clients listen for.
const EventName = "order_notification"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// EventError describes why a job failed.
type EventError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Event is the transient outcome of an order job. It is never persisted.
type Event struct {
	Status string        `json:"status"`
	UserID string        `json:"userId,omitempty"`
	JobID  string        `json:"jobId"`
	Order  *orders.Order `json:"order,omitempty"`
	Error  *EventError   `json:"error,omitempty"`
}

// Publisher delivers events on a topic. Delivery is best-effort: an event
// with no listener is dropped.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// UserTopic is the topic of everything concerning one customer.
func UserTopic(userID string) string { return "user:" + userID }

// JobTopic is the topic of a single job, for clients that only hold the jobId.
func JobTopic(jobID string) string { return "job:" + jobID }
