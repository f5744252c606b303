package carts

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

// Item is one cart line.
type Item struct {
	ProductID string `dynamodbav:"product_id" json:"productId"`
	VariantID string `dynamodbav:"variant_id" json:"variantId"`
	Quantity  int    `dynamodbav:"quantity" json:"quantity"`
}

// Cart is the item stored in the carts table.
type Cart struct {
	CartID    string    `dynamodbav:"cart_id" json:"cartId"` // PK
	UserID    string    `dynamodbav:"user_id,omitempty" json:"userId,omitempty"`
	Items     []Item    `dynamodbav:"items" json:"items"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// UserCartID is the id of the active cart of a signed-in user.
func UserCartID(userID string) string {
	return "user#" + userID
}

// Store encapsulates operations on the carts table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new carts Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{client: client, tableName: tableName, nowFunc: time.Now}
}

// Put writes a cart unconditionally.
func (s *Store) Put(ctx context.Context, c Cart) error {
	c.UpdatedAt = s.nowFunc().UTC()
	if c.Items == nil {
		c.Items = []Item{}
	}
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put cart: %w", err)
	}
	return nil
}

// Get fetches a cart. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, cartID string) (*Cart, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key:       map[string]types.AttributeValue{"cart_id": &types.AttributeValueMemberS{Value: cartID}},
	})
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c Cart
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	return &c, nil
}

// ErrNotOwned means the cart belongs to someone other than the caller.
var ErrNotOwned = errors.New("cart belongs to another user")

// Clear empties a cart on behalf of ownerID; an empty ownerID stands for a
// guest and may only clear carts without a user. Clearing a cart that does
// not exist is a no-op; clearing someone else's returns ErrNotOwned.
func (s *Store) Clear(ctx context.Context, cartID, ownerID string) error {
	cond := "attribute_exists(cart_id) AND attribute_not_exists(user_id)"
	values := map[string]types.AttributeValue{
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":ua":    &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
	}
	if ownerID != "" {
		cond = "attribute_exists(cart_id) AND (attribute_not_exists(user_id) OR user_id = :uid)"
		values[":uid"] = &types.AttributeValueMemberS{Value: ownerID}
	}
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 map[string]types.AttributeValue{"cart_id": &types.AttributeValueMemberS{Value: cartID}},
		UpdateExpression:    aws.String("SET #items = :empty, updated_at = :ua"),
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#items": "items",
		},
		ExpressionAttributeValues: values,
	})
	if err == nil {
		return nil
	}
	if !aws.IsConditionFailed(err) {
		return fmt.Errorf("clear cart: %w", err)
	}
	c, err := s.Get(ctx, cartID)
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	return ErrNotOwned
}
