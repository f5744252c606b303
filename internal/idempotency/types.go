package idempotency

import "time"

// Status values for job records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Reservation kinds kept in the journal
const (
	KindStock    = "stock"
	KindDiscount = "discount"
)

// Reservation is one journal entry: a mutation applied to shared state by a
// job that has not committed yet. It carries what is needed to undo it.
type Reservation struct {
	Kind       string    `dynamodbav:"kind"`
	ProductID  string    `dynamodbav:"product_id,omitempty"`
	VariantID  string    `dynamodbav:"variant_id,omitempty"`
	Quantity   int       `dynamodbav:"quantity,omitempty"`
	Code       string    `dynamodbav:"code,omitempty"`
	Attempt    int       `dynamodbav:"attempt"`
	ReservedAt time.Time `dynamodbav:"reserved_at"`
}

// JobRecord is the shape persisted in the jobs DynamoDB table. It is the
// idempotency boundary of order processing: one record per job id.
type JobRecord struct {
	JobID        string                 `dynamodbav:"job_id"` // PK
	Status       string                 `dynamodbav:"status"`
	Attempts     int                    `dynamodbav:"attempts"`
	UserID       string                 `dynamodbav:"user_id,omitempty"`
	OrderID      string                 `dynamodbav:"order_id,omitempty"`
	OrderNumber  string                 `dynamodbav:"order_number,omitempty"`
	Reservations map[string]Reservation `dynamodbav:"reservations,omitempty"`
	Reason       string                 `dynamodbav:"reason,omitempty"`
	Detail       string                 `dynamodbav:"detail,omitempty"`
	LeaseOwner   string                 `dynamodbav:"lease_owner,omitempty"`
	LeaseUntil   int64                  `dynamodbav:"lease_until,omitempty"` // epoch millis
	CreatedAt    time.Time              `dynamodbav:"created_at"`
	UpdatedAt    time.Time              `dynamodbav:"updated_at"`
	ExpiresAt    int64                  `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Terminal reports whether the job reached DONE or FAILED.
func (r *JobRecord) Terminal() bool {
	return r.Status == StatusDone || r.Status == StatusFailed
}
