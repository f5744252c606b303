package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// Store reads products and discounts and applies guarded stock and usage
// mutations. Every mutation is written in one transaction together with a
// caller supplied journal item, so a reservation and its record either both
// exist or neither does.
type Store struct {
	client         aws.DynamoDBAPI
	productsTable  string
	discountsTable string
	nowFunc        func() time.Time
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, productsTable, discountsTable string) *Store {
	return &Store{
		client:         client,
		productsTable:  productsTable,
		discountsTable: discountsTable,
		nowFunc:        time.Now,
	}
}

// NormalizeCode is the stored form of a discount code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// GetProduct fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) GetProduct(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.productsTable,
		Key:            map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: productID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// PutProduct writes a product unconditionally.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	p.UpdatedAt = s.nowFunc().UTC()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.productsTable, Item: item}); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// GetDiscount fetches a discount by code, case-insensitively. Returns (nil, nil) if not found.
func (s *Store) GetDiscount(ctx context.Context, code string) (*Discount, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.discountsTable,
		Key:            map[string]types.AttributeValue{"code": &types.AttributeValueMemberS{Value: NormalizeCode(code)}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get discount: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var d Discount
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, fmt.Errorf("unmarshal discount: %w", err)
	}
	return &d, nil
}

// PutDiscount writes a discount unconditionally, normalizing its code.
func (s *Store) PutDiscount(ctx context.Context, d Discount) error {
	d.Code = NormalizeCode(d.Code)
	item, err := attributevalue.MarshalMap(d)
	if err != nil {
		return fmt.Errorf("marshal discount: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.discountsTable, Item: item}); err != nil {
		return fmt.Errorf("put discount: %w", err)
	}
	return nil
}

// ReserveStock decrements variants.<variantID>.stock by qty only if at least
// qty units are in stock, atomically with journal.
// Returns ErrInsufficientStock if the stock guard failed; a failed journal
// condition is returned as the raw transaction error.
func (s *Store) ReserveStock(ctx context.Context, productID, variantID string, qty int, journal types.TransactWriteItem) error {
	update := types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.productsTable,
			Key:                 map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: productID}},
			UpdateExpression:    aws.String("SET variants.#vid.stock = variants.#vid.stock - :qty, updated_at = :ua"),
			ConditionExpression: aws.String("attribute_exists(product_id) AND variants.#vid.stock >= :qty"),
			ExpressionAttributeNames: map[string]string{
				"#vid": variantID,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qty": &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
				":ua":  &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
			},
		},
	}
	err := s.transact(ctx, update, journal)
	if aws.ConditionFailedAt(err, 0) {
		return ErrInsufficientStock
	}
	if err != nil {
		return fmt.Errorf("reserve stock %s/%s: %w", productID, variantID, err)
	}
	return nil
}

// ReleaseStock gives qty units back to the variant, atomically with journal
// (which is expected to remove the matching journal entry).
// Returns ErrNothingToRelease if the journal condition failed.
func (s *Store) ReleaseStock(ctx context.Context, productID, variantID string, qty int, journal types.TransactWriteItem) error {
	update := types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.productsTable,
			Key:                 map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: productID}},
			UpdateExpression:    aws.String("SET variants.#vid.stock = variants.#vid.stock + :qty, updated_at = :ua"),
			ConditionExpression: aws.String("attribute_exists(variants.#vid.stock)"),
			ExpressionAttributeNames: map[string]string{
				"#vid": variantID,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":qty": &types.AttributeValueMemberN{Value: strconv.Itoa(qty)},
				":ua":  &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
			},
		},
	}
	err := s.transact(ctx, update, journal)
	if aws.ConditionFailedAt(err, 1) {
		return ErrNothingToRelease
	}
	if err != nil {
		return fmt.Errorf("release stock %s/%s: %w", productID, variantID, err)
	}
	return nil
}

// ReserveDiscount increments used_count if the usage limit allows one more
// use, atomically with journal. Returns ErrDiscountExhausted if the guard failed.
func (s *Store) ReserveDiscount(ctx context.Context, code string, journal types.TransactWriteItem) error {
	update := types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.discountsTable,
			Key:                 map[string]types.AttributeValue{"code": &types.AttributeValueMemberS{Value: NormalizeCode(code)}},
			UpdateExpression:    aws.String("SET used_count = used_count + :one"),
			ConditionExpression: aws.String("attribute_exists(#c) AND (attribute_not_exists(usage_limit_total) OR used_count < usage_limit_total)"),
			ExpressionAttributeNames: map[string]string{
				"#c": "code",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one": &types.AttributeValueMemberN{Value: "1"},
			},
		},
	}
	err := s.transact(ctx, update, journal)
	if aws.ConditionFailedAt(err, 0) {
		return ErrDiscountExhausted
	}
	if err != nil {
		return fmt.Errorf("reserve discount %s: %w", code, err)
	}
	return nil
}

// ReleaseDiscount undoes one use of the discount, atomically with journal.
// Returns ErrNothingToRelease if the journal condition failed.
func (s *Store) ReleaseDiscount(ctx context.Context, code string, journal types.TransactWriteItem) error {
	update := types.TransactWriteItem{
		Update: &types.Update{
			TableName:           &s.discountsTable,
			Key:                 map[string]types.AttributeValue{"code": &types.AttributeValueMemberS{Value: NormalizeCode(code)}},
			UpdateExpression:    aws.String("SET used_count = used_count - :one"),
			ConditionExpression: aws.String("used_count > :zero"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":one":  &types.AttributeValueMemberN{Value: "1"},
				":zero": &types.AttributeValueMemberN{Value: "0"},
			},
		},
	}
	err := s.transact(ctx, update, journal)
	if aws.ConditionFailedAt(err, 1) {
		return ErrNothingToRelease
	}
	if err != nil {
		return fmt.Errorf("release discount %s: %w", code, err)
	}
	return nil
}

func (s *Store) transact(ctx context.Context, mutation, journal types.TransactWriteItem) error {
	items := []types.TransactWriteItem{mutation}
	if journal.Put != nil || journal.Update != nil || journal.ConditionCheck != nil || journal.Delete != nil {
		items = append(items, journal)
	}
	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		return err
	}
	return fmt.Errorf("transact write: %w", err)
}
