package users

import "time"

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"

	StatusActive = "active"

	DefaultAvatar = "/static/avatars/default.png"
)

// Address is a saved postal address of a user.
type Address struct {
	FullName   string `dynamodbav:"full_name" json:"fullName"`
	Phone      string `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Line1      string `dynamodbav:"line1" json:"line1"`
	Line2      string `dynamodbav:"line2,omitempty" json:"line2,omitempty"`
	City       string `dynamodbav:"city" json:"city"`
	State      string `dynamodbav:"state,omitempty" json:"state,omitempty"`
	PostalCode string `dynamodbav:"postal_code" json:"postalCode"`
	Country    string `dynamodbav:"country" json:"country"`
	IsDefault  bool   `dynamodbav:"is_default" json:"isDefault"`
}

// User is the item stored in the users table.
type User struct {
	UserID       string    `dynamodbav:"user_id" json:"userId"` // PK
	Email        string    `dynamodbav:"email" json:"email"`
	PasswordHash string    `dynamodbav:"password_hash" json:"-"`
	Name         string    `dynamodbav:"name" json:"name"`
	Phone        string    `dynamodbav:"phone,omitempty" json:"phone,omitempty"`
	Role         string    `dynamodbav:"role" json:"role"`
	Status       string    `dynamodbav:"status" json:"status"`
	Avatar       string    `dynamodbav:"avatar" json:"avatar"`
	Addresses    []Address `dynamodbav:"addresses" json:"addresses"`
	IsGuest      bool      `dynamodbav:"is_guest" json:"isGuest"`
	CreatedAt    time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// emailClaim reserves an email address for one user; its key is the
// normalized email, which makes the address unique across users.
type emailClaim struct {
	Email     string    `dynamodbav:"email"` // PK
	UserID    string    `dynamodbav:"user_id"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}
