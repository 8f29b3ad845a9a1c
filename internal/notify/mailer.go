package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Mailer delivers a rendered verification email.
type Mailer interface {
	SendVerification(ctx context.Context, job VerificationEmail) error
}

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client  *resend.Client
	from    string
	appName string
}

func NewResendMailer(apiKey, from, appName string) (*ResendMailer, error) {
	if apiKey == "" {
		return nil, errors.New("email service not configured (missing RESEND_API_KEY)")
	}
	return &ResendMailer{
		client:  resend.NewClient(apiKey),
		from:    from,
		appName: appName,
	}, nil
}

func (m *ResendMailer) SendVerification(ctx context.Context, job VerificationEmail) error {
	subject, body := verificationEmailTemplate(job.VerifyURL, m.appName)

	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{job.To},
		Subject: subject,
		Text:    body,
	}

	if _, err := m.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	slog.InfoContext(ctx, "email sent", "type", "verification", "to", job.To)
	return nil
}

// LogMailer only logs the link. Used in development and when no API key
// is configured.
type LogMailer struct {
	logger  *slog.Logger
	appName string
}

func NewLogMailer(logger *slog.Logger, appName string) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger, appName: appName}
}

func (m *LogMailer) SendVerification(ctx context.Context, job VerificationEmail) error {
	subject, _ := verificationEmailTemplate(job.VerifyURL, m.appName)
	m.logger.InfoContext(ctx, "email sent (dev mode)", "type", "verification", "to", job.To, "subject", subject, "url", job.VerifyURL)
	return nil
}

// NewMailer picks Resend when an API key is present outside development.
func NewMailer(apiKey, from, appName string, isDev bool, logger *slog.Logger) Mailer {
	if isDev || apiKey == "" {
		return NewLogMailer(logger, appName)
	}
	mailer, err := NewResendMailer(apiKey, from, appName)
	if err != nil {
		return NewLogMailer(logger, appName)
	}
	return mailer
}

func verificationEmailTemplate(verifyURL, appName string) (string, string) {
	subject := fmt.Sprintf("Verify your %s account", appName)
	body := fmt.Sprintf(`Welcome to %s!

Confirm your email address by opening the link below:

%s

The link expires in 24 hours. If you did not sign up, you can ignore this email.
`, appName, verifyURL)
	return subject, body
}
