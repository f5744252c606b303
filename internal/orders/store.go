package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// UserIndex is the GSI (user_id, created_ms) backing order history.
const UserIndex = "user_id-created_ms-index"

// maxPageItems caps the items read per Query page of a listing.
const maxPageItems = 100

var (
	// ErrStatusMismatch is returned when the stored status is not the expected one.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrInvalidTransition is returned for moves the status machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrJobNotOwned is returned by CreateForJob when the job record is no
	// longer IN_PROGRESS under the caller's lease.
	ErrJobNotOwned = errors.New("job already finished or lease lost")
	// ErrOrderExists is returned by CreateForJob when the order id is taken.
	ErrOrderExists = errors.New("order already exists")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateForJob atomically creates the order and applies jobCommit, the
// update that moves the owning job record to DONE. Either both happen or
// neither does, so a job yields at most one order.
func (s *Store) CreateForJob(ctx context.Context, order Order, jobCommit types.TransactWriteItem) error {
	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.CreatedMs = order.CreatedAt.UnixMilli()
	if order.Status == "" {
		order.Status = StatusPending
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tableName,
					Item:                orderMap,
					ConditionExpression: aws.String("attribute_not_exists(order_id)"),
				},
			},
			jobCommit,
		},
	}

	_, err = s.client.TransactWriteItems(ctx, input)
	if err != nil {
		switch {
		case aws.ConditionFailedAt(err, 1):
			return ErrJobNotOwned
		case aws.ConditionFailedAt(err, 0):
			return ErrOrderExists
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       key,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ListByUser returns one page of a user's orders, newest first, and the
// total number of orders the user has. page starts at 1.
func (s *Store) ListByUser(ctx context.Context, userID string, page, limit int) ([]Order, int, error) {
	total, err := s.countByUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * limit
	if offset >= total {
		return []Order{}, total, nil
	}

	p := dyn.NewQueryPaginator(s.client, s.userQuery(userID, int32(min(offset+limit, maxPageItems))))
	seen := 0
	result := make([]Order, 0, limit)
	for p.HasMorePages() && len(result) < limit {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("query orders: %w", err)
		}
		for _, item := range out.Items {
			if seen >= offset && len(result) < limit {
				var o Order
				if err := attributevalue.UnmarshalMap(item, &o); err != nil {
					return nil, 0, fmt.Errorf("unmarshal order: %w", err)
				}
				result = append(result, o)
			}
			seen++
		}
	}
	return result, total, nil
}

// countByUser counts a user's orders without reading them.
func (s *Store) countByUser(ctx context.Context, userID string) (int, error) {
	in := s.userQuery(userID, 0)
	in.Select = types.SelectCount
	p := dyn.NewQueryPaginator(s.client, in)
	total := 0
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("count orders: %w", err)
		}
		total += int(out.Count)
	}
	return total, nil
}

func (s *Store) userQuery(userID string, limit int32) *dyn.QueryInput {
	in := &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(UserIndex),
		KeyConditionExpression: aws.String("user_id = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": &types.AttributeValueMemberS{Value: userID},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	return in
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns ErrInvalidTransition if the status machine forbids the move and
// ErrStatusMismatch if the stored status is not expected.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	if !CanTransition(expectedStatus, newStatus) {
		return ErrInvalidTransition
	}
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         aws.String("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ConditionExpression: aws.String("attribute_exists(order_id) AND #s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if aws.IsConditionFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}
