package mailer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
)

// TemplateWelcome is the template name of the guest welcome mail.
const TemplateWelcome = "guest_welcome"

// WelcomeMail carries the credentials of a freshly provisioned guest account.
type WelcomeMail struct {
	UserID            string    `json:"userId"`
	To                string    `json:"to"`
	Name              string    `json:"name"`
	TemporaryPassword string    `json:"temporaryPassword"`
	SetPasswordToken  string    `json:"setPasswordToken"`
	TokenExpiresAt    time.Time `json:"tokenExpiresAt"`
}

// envelope is the message read by the mail delivery service.
type envelope struct {
	Template string      `json:"template"`
	To       string      `json:"to"`
	Data     WelcomeMail `json:"data"`
}

// SQSMailer hands mails to the delivery service through an SQS queue.
type SQSMailer struct {
	publisher *aws.Publisher
}

// NewSQSMailer returns a mailer publishing to queueURL.
func NewSQSMailer(client aws.SQSAPI, queueURL string) *SQSMailer {
	return &SQSMailer{publisher: aws.NewPublisher(client, queueURL)}
}

// SendWelcome enqueues the welcome mail.
func (m *SQSMailer) SendWelcome(ctx context.Context, mail WelcomeMail) error {
	_, err := m.publisher.SendJSON(ctx, envelope{Template: TemplateWelcome, To: mail.To, Data: mail}, map[string]string{
		"template": TemplateWelcome,
	})
	if err != nil {
		return fmt.Errorf("enqueue welcome mail: %w", err)
	}
	return nil
}

// LogMailer only logs, for local runs without a mail queue.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer returns a mailer writing to logger.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mailer")}
}

// SendWelcome logs the mail without the password.
func (m *LogMailer) SendWelcome(ctx context.Context, mail WelcomeMail) error {
	m.logger.Info("welcome mail",
		zap.String("to", mail.To),
		zap.String("user_id", mail.UserID),
		zap.Time("token_expires_at", mail.TokenExpiresAt))
	return nil
}
