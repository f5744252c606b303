package idempotency

import (
	"context"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/aws/awstest"
)

const jobsTable = "order_jobs"

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB()
	db.CreateTable(jobsTable, "job_id")
	return NewStore(db, jobsTable, 48*time.Hour), db
}

func transact(t *testing.T, db *awstest.DynamoDB, items ...types.TransactWriteItem) error {
	t.Helper()
	_, err := db.TransactWriteItems(context.Background(), &dyn.TransactWriteItemsInput{TransactItems: items})
	return err
}

func TestBegin_CreatesRecordWithLease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "owner-a", rec.LeaseOwner)
	assert.Empty(t, rec.Reservations)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Greater(t, rec.ExpiresAt, time.Now().Unix())
}

func TestBegin_LeaseHeldUntilReleased(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)

	_, err = s.Begin(ctx, "job-1", "owner-b", time.Minute)
	require.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, s.Release(ctx, "job-1", "owner-a"))

	rec, err := s.Begin(ctx, "job-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "owner-b", rec.LeaseOwner)
}

func TestBegin_ExpiredLeaseIsTakenOver(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Now()
	s.nowFunc = func() time.Time { return start }

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Second)
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return start.Add(2 * time.Second) }
	rec, err := s.Begin(ctx, "job-1", "owner-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "owner-b", rec.LeaseOwner)

	// the first attempt can no longer write under its lease
	assert.ErrorIs(t, s.SaveUser(ctx, "job-1", "owner-a", "user-1"), ErrLeaseLost)
	require.NoError(t, s.SaveUser(ctx, "job-1", "owner-b", "user-1"))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestBegin_FinishedJobIsReturnedUnchanged(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, transact(t, db, s.Complete("job-1", "owner-a", "order-1", "ORD-1")))

	rec, err := s.Begin(ctx, "job-1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, "order-1", rec.OrderID)
	assert.Equal(t, "ORD-1", rec.OrderNumber)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.LeaseOwner)
}

func TestJournal_AddIsExclusiveAndRemoveIsOnce(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)

	add, err := s.JournalAdd("job-1", "owner-a", "stock-0", Reservation{Kind: KindStock, ProductID: "p1", VariantID: "v1", Quantity: 2, Attempt: 1})
	require.NoError(t, err)
	require.NoError(t, transact(t, db, add))

	err = transact(t, db, add)
	require.Error(t, err)
	assert.True(t, aws.ConditionFailedAt(err, 0))

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Contains(t, rec.Reservations, "stock-0")
	assert.Equal(t, 2, rec.Reservations["stock-0"].Quantity)

	require.NoError(t, transact(t, db, s.JournalRemove("job-1", "stock-0")))
	err = transact(t, db, s.JournalRemove("job-1", "stock-0"))
	assert.True(t, aws.ConditionFailedAt(err, 0))
}

func TestJournal_AddRejectedForForeignLease(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)

	add, err := s.JournalAdd("job-1", "owner-b", "stock-0", Reservation{Kind: KindStock, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, aws.ConditionFailedAt(transact(t, db, add), 0))
}

func TestMarkFailed(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "job-1", "owner-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, "job-1", "owner-a", "insufficient_stock", "variant v1"))

	rec, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "insufficient_stock", rec.Reason)
	assert.Equal(t, "variant v1", rec.Detail)

	// already terminal
	assert.ErrorIs(t, s.MarkFailed(ctx, "job-1", "owner-a", "x", ""), ErrLeaseLost)
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	rec, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
