package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// ErrEmailTaken is returned by Create when another user owns the email.
var ErrEmailTaken = errors.New("email already registered")

// Store encapsulates operations on the users and user_emails tables.
type Store struct {
	client      aws.DynamoDBAPI
	usersTable  string
	emailsTable string
	nowFunc     func() time.Time
}

// NewStore creates a new users Store.
func NewStore(client aws.DynamoDBAPI, usersTable, emailsTable string) *Store {
	return &Store{
		client:      client,
		usersTable:  usersTable,
		emailsTable: emailsTable,
		nowFunc:     time.Now,
	}
}

// NormalizeEmail is the form emails are compared and keyed by.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create writes the user and claims its email in one transaction.
// u.UserID must be set by the caller.
func (s *Store) Create(ctx context.Context, u User) error {
	now := s.nowFunc().UTC()
	u.Email = NormalizeEmail(u.Email)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	userMap, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	claimMap, err := attributevalue.MarshalMap(emailClaim{Email: u.Email, UserID: u.UserID, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal email claim: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:                &s.emailsTable,
					Item:                     claimMap,
					ConditionExpression:      aws.String("attribute_not_exists(#e)"),
					ExpressionAttributeNames: map[string]string{"#e": "email"},
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.usersTable,
					Item:                userMap,
					ConditionExpression: aws.String("attribute_not_exists(user_id)"),
				},
			},
		},
	})
	if err != nil {
		if aws.ConditionFailedAt(err, 0) {
			return ErrEmailTaken
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches a user by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, userID string) (*User, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.usersTable,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var u User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// FindIDByEmail returns the id of the user owning email, or "" if none.
// The read is strongly consistent so a claim committed by a concurrent
// Create is visible immediately.
func (s *Store) FindIDByEmail(ctx context.Context, email string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.emailsTable,
		Key: map[string]types.AttributeValue{
			"email": &types.AttributeValueMemberS{Value: NormalizeEmail(email)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get email claim: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var c emailClaim
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return "", fmt.Errorf("unmarshal email claim: %w", err)
	}
	return c.UserID, nil
}
