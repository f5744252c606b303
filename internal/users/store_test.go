package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-orderflow/internal/aws/awstest"
)

func newTestStore(t *testing.T) (*Store, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB()
	db.CreateTable("users", "user_id")
	db.CreateTable("user_emails", "email")
	return NewStore(db, "users", "user_emails"), db
}

func TestCreate_ClaimsEmail(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, User{UserID: "u1", Email: " Ada@Example.com ", Name: "Ada", Role: RoleCustomer}))

	id, err := s.FindIDByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	u, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "ada@example.com", u.Email)
	assert.False(t, u.CreatedAt.IsZero())

	err = s.Create(ctx, User{UserID: "u2", Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.Len(t, db.Items("users"), 1)
}

func TestFindIDByEmail_Unknown(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.FindIDByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, id)
}
