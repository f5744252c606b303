package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// Store encapsulates job record operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long finished records are kept
	nowFunc   func() time.Time
}

// NewStore returns a configured Store.
// tableName: DynamoDB table name for job records.
// ttlWindow: TTL window for records (e.g., 7*24*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

var (
	// ErrLeaseHeld means another attempt of the same job holds an unexpired lease.
	ErrLeaseHeld = errors.New("job is leased by another attempt")
	// ErrLeaseLost means the record is no longer IN_PROGRESS under our lease.
	ErrLeaseLost = errors.New("job lease lost")
)

func (s *Store) key(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id": &types.AttributeValueMemberS{Value: jobID},
	}
}

// Begin creates the job record if absent and takes the processing lease for
// owner until now+lease. The attempt counter is incremented on every call.
//
// If the job already finished, the existing record is returned unchanged and
// the caller is expected to skip it. If another attempt holds an unexpired
// lease, ErrLeaseHeld is returned.
func (s *Store) Begin(ctx context.Context, jobID, owner string, lease time.Duration) (*JobRecord, error) {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key:       s.key(jobID),
		UpdateExpression: aws.String("SET attempts = if_not_exists(attempts, :zero) + :one, " +
			"#s = if_not_exists(#s, :inprogress), " +
			"reservations = if_not_exists(reservations, :empty), " +
			"created_at = if_not_exists(created_at, :now), " +
			"expires_at = if_not_exists(expires_at, :exp), " +
			"lease_owner = :owner, lease_until = :until, updated_at = :now"),
		ConditionExpression: aws.String("attribute_not_exists(job_id) OR (#s = :inprogress AND (attribute_not_exists(lease_until) OR lease_until < :nowms))"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":       &types.AttributeValueMemberN{Value: "0"},
			":one":        &types.AttributeValueMemberN{Value: "1"},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":empty":      &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}},
			":now":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":nowms":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":exp":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttlWindow).Unix(), 10)},
			":owner":      &types.AttributeValueMemberS{Value: owner},
			":until":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(lease).UnixMilli(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	}

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if !aws.IsConditionFailed(err) {
			return nil, fmt.Errorf("update item (begin): %w", err)
		}
		rec, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if rec != nil && rec.Terminal() {
			return rec, nil
		}
		return nil, ErrLeaseHeld
	}

	var rec JobRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	return &rec, nil
}

// Get retrieves a job record by id. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, jobID string) (*JobRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// SaveUser stores the resolved customer id so later attempts reuse it.
func (s *Store) SaveUser(ctx context.Context, jobID, owner, userID string) error {
	return s.updateOwned(ctx, jobID, owner, "SET user_id = :u, updated_at = :ua", nil, map[string]types.AttributeValue{
		":u": &types.AttributeValueMemberS{Value: userID},
	})
}

// MarkFailed moves the job to FAILED with a reason code and detail.
func (s *Store) MarkFailed(ctx context.Context, jobID, owner, reason, detail string) error {
	return s.updateOwned(ctx, jobID, owner, "SET #s = :failed, #reason = :r, #detail = :d, updated_at = :ua REMOVE lease_owner, lease_until", map[string]string{
		"#reason": "reason",
		"#detail": "detail",
	}, map[string]types.AttributeValue{
		":failed": &types.AttributeValueMemberS{Value: StatusFailed},
		":r":      &types.AttributeValueMemberS{Value: reason},
		":d":      &types.AttributeValueMemberS{Value: detail},
	})
}

// Release gives up the lease so the next delivery can start immediately.
func (s *Store) Release(ctx context.Context, jobID, owner string) error {
	return s.updateOwned(ctx, jobID, owner, "SET updated_at = :ua REMOVE lease_owner, lease_until", nil, nil)
}

func (s *Store) updateOwned(ctx context.Context, jobID, owner, expr string, extraNames map[string]string, values map[string]types.AttributeValue) error {
	names := map[string]string{"#s": "status"}
	for k, v := range extraNames {
		names[k] = v
	}
	vals := map[string]types.AttributeValue{
		":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
		":owner":      &types.AttributeValueMemberS{Value: owner},
		":ua":         &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
	}
	for k, v := range values {
		vals[k] = v
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(jobID),
		UpdateExpression:          &expr,
		ConditionExpression:       aws.String("#s = :inprogress AND lease_owner = :owner"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: vals,
	})
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrLeaseLost
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// JournalAdd returns a transaction item recording r under key, valid only
// while owner holds the lease and no entry exists under key yet.
func (s *Store) JournalAdd(jobID, owner, key string, r Reservation) (types.TransactWriteItem, error) {
	av, err := attributevalue.Marshal(r)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal reservation: %w", err)
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 s.key(jobID),
			UpdateExpression:    aws.String("SET reservations.#k = :r"),
			ConditionExpression: aws.String("#s = :inprogress AND lease_owner = :owner AND attribute_not_exists(reservations.#k)"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
				"#k": key,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":r":          av,
				":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
				":owner":      &types.AttributeValueMemberS{Value: owner},
			},
		},
	}, nil
}

// JournalRemove returns a transaction item deleting the entry under key,
// valid only if it still exists. Any attempt may remove any entry, so
// leftovers of a dead attempt can be compensated.
func (s *Store) JournalRemove(jobID, key string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                &s.tableName,
			Key:                      s.key(jobID),
			UpdateExpression:         aws.String("REMOVE reservations.#k"),
			ConditionExpression:      aws.String("attribute_exists(reservations.#k)"),
			ExpressionAttributeNames: map[string]string{"#k": key},
		},
	}
}

// Complete returns the transaction item that finishes a job: IN_PROGRESS
// under owner's lease becomes DONE and the journal is dropped.
func (s *Store) Complete(jobID, owner, orderID, orderNumber string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 s.key(jobID),
			UpdateExpression:    aws.String("SET #s = :done, order_id = :oid, order_number = :on, updated_at = :ua REMOVE reservations, lease_owner, lease_until"),
			ConditionExpression: aws.String("#s = :inprogress AND lease_owner = :owner"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":done":       &types.AttributeValueMemberS{Value: StatusDone},
				":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
				":owner":      &types.AttributeValueMemberS{Value: owner},
				":oid":        &types.AttributeValueMemberS{Value: orderID},
				":on":         &types.AttributeValueMemberS{Value: orderNumber},
				":ua":         &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
			},
		},
	}
}
