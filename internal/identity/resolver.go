package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/imrishuroy/storefront-orderflow/internal/cache"
	"github.com/imrishuroy/storefront-orderflow/internal/mailer"
	"github.com/imrishuroy/storefront-orderflow/internal/users"
)

// Mailer delivers the guest welcome mail.
type Mailer interface {
	SendWelcome(ctx context.Context, mail mailer.WelcomeMail) error
}

// UserStore is the part of the users store the resolver needs.
type UserStore interface {
	FindIDByEmail(ctx context.Context, email string) (string, error)
	Create(ctx context.Context, u users.User) error
}

// Guest describes the customer behind an unauthenticated order.
type Guest struct {
	Email   string
	Name    string
	Phone   string
	Address users.Address
}

// ErrIdentityRace means the email was claimed concurrently but the claim
// could not be read back within the retry budget.
var ErrIdentityRace = errors.New("guest account created concurrently but not found")

// Resolver maps an order to a durable user id, provisioning guest accounts.
type Resolver struct {
	users       UserStore
	cache       cache.Cache
	mailer      Mailer
	logger      *zap.Logger
	resetTTL    time.Duration
	bcryptCost  int
	lookupTries int
	lookupWait  time.Duration
	nowFunc     func() time.Time

	mails sync.WaitGroup
}

// NewResolver returns a Resolver. resetTTL bounds the set-password token.
func NewResolver(store UserStore, c cache.Cache, m Mailer, logger *zap.Logger, resetTTL time.Duration) *Resolver {
	return &Resolver{
		users:       store,
		cache:       c,
		mailer:      m,
		logger:      logger.Named("identity"),
		resetTTL:    resetTTL,
		bcryptCost:  bcrypt.DefaultCost,
		lookupTries: 3,
		lookupWait:  50 * time.Millisecond,
		nowFunc:     time.Now,
	}
}

// Resolve returns userID when it is set; otherwise it looks the guest up by
// email and creates an account when none exists. created reports whether
// this call provisioned the account.
func (r *Resolver) Resolve(ctx context.Context, userID string, g Guest) (id string, created bool, err error) {
	if userID != "" {
		return userID, false, nil
	}
	g.Email = users.NormalizeEmail(g.Email)

	id, err = r.users.FindIDByEmail(ctx, g.Email)
	if err != nil {
		return "", false, err
	}
	if id != "" {
		return id, false, nil
	}

	password, err := GeneratePassword()
	if err != nil {
		return "", false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.bcryptCost)
	if err != nil {
		return "", false, fmt.Errorf("hash password: %w", err)
	}

	addr := g.Address
	addr.IsDefault = true
	u := users.User{
		UserID:       uuid.NewString(),
		Email:        g.Email,
		PasswordHash: string(hash),
		Name:         g.Name,
		Phone:        g.Phone,
		Role:         users.RoleCustomer,
		Status:       users.StatusActive,
		Avatar:       users.DefaultAvatar,
		Addresses:    []users.Address{addr},
		IsGuest:      true,
	}

	err = r.users.Create(ctx, u)
	if errors.Is(err, users.ErrEmailTaken) {
		id, err := r.lookupAfterRace(ctx, g.Email)
		return id, false, err
	}
	if err != nil {
		return "", false, err
	}

	r.logger.Info("guest account created", zap.String("user_id", u.UserID))
	r.welcome(ctx, u, password)
	return u.UserID, true, nil
}

func (r *Resolver) lookupAfterRace(ctx context.Context, email string) (string, error) {
	for i := 0; i < r.lookupTries; i++ {
		id, err := r.users.FindIDByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		if id != "" {
			r.logger.Debug("guest email claimed concurrently, reusing account", zap.String("user_id", id))
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.lookupWait):
		}
	}
	return "", ErrIdentityRace
}

// welcome stores a set-password token and sends the mail in the background.
// Failures are logged and never reach the order.
func (r *Resolver) welcome(ctx context.Context, u users.User, password string) {
	ctx = context.WithoutCancel(ctx)
	r.mails.Add(1)
	go func() {
		defer r.mails.Done()
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		token, err := newToken()
		if err != nil {
			r.logger.Warn("welcome mail skipped", zap.String("user_id", u.UserID), zap.Error(err))
			return
		}
		expires := r.nowFunc().Add(r.resetTTL)
		if err := r.cache.Set(ctx, r.cache.GenerateKey("password_reset", token), u.UserID, r.resetTTL); err != nil {
			r.logger.Warn("store set-password token failed", zap.String("user_id", u.UserID), zap.Error(err))
			token = ""
		}

		mail := mailer.WelcomeMail{
			UserID:            u.UserID,
			To:                u.Email,
			Name:              u.Name,
			TemporaryPassword: password,
			SetPasswordToken:  token,
			TokenExpiresAt:    expires,
		}
		if err := r.mailer.SendWelcome(ctx, mail); err != nil {
			r.logger.Warn("welcome mail failed", zap.String("user_id", u.UserID), zap.Error(err))
		}
	}()
}

// Wait blocks until background welcome mails have been handed off.
func (r *Resolver) Wait() {
	r.mails.Wait()
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
