package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// DeviceApprovalNotice carries everything the approval email needs. The
// plaintext token (inside the links) and the short code exist only here and
// in the recipient's mailbox.
type DeviceApprovalNotice struct {
	Email       string
	Language    string
	ApproveLink string
	DenyLink    string
	Code        string
	Browser     string
	OS          string
	Location    string
	RiskFactors []string
	ExpiresAt   time.Time
}

// Notifier defines the email side effects of the auth flows. Failures never
// roll back the state that triggered them.
type Notifier interface {
	SendDeviceApprovalNotice(ctx context.Context, notice DeviceApprovalNotice) error
	SendMagicLink(ctx context.Context, email, language, token string, expiresAt time.Time) error
	SendLockoutNotice(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error
}

// AWSSESNotifier sends notifications through AWS SES.
type AWSSESNotifier struct {
	sesClient   *ses.Client
	fromAddress string
	baseURL     string
	logger      *slog.Logger
}

// NewAWSSESNotifier creates a new AWS SES notifier
func NewAWSSESNotifier(region, fromAddress, baseURL string, logger *slog.Logger) (*AWSSESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESNotifier{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		baseURL:     baseURL,
		logger:      logger,
	}, nil
}

// SendDeviceApprovalNotice mails the approval link and short code for a
// sign-in attempt from an unrecognized device.
func (s *AWSSESNotifier) SendDeviceApprovalNotice(ctx context.Context, n DeviceApprovalNotice) error {
	factors := "none recorded"
	if len(n.RiskFactors) > 0 {
		factors = strings.Join(n.RiskFactors, ", ")
	}
	expiresIn := int(time.Until(n.ExpiresAt).Minutes())

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h1>New Sign-In Attempt</h1>
        <p>Someone tried to sign in to your account from a device we don't recognize:</p>
        <ul>
            <li><strong>Browser:</strong> %s</li>
            <li><strong>Operating system:</strong> %s</li>
            <li><strong>Location:</strong> %s</li>
            <li><strong>Signals:</strong> %s</li>
        </ul>
        <p>If this was you, approve the device with this code:</p>
        <p style="font-size: 28px; letter-spacing: 4px; font-weight: bold;">%s</p>
        <p>Or click: <a href="%s">Approve this device</a></p>
        <p><strong>If this was not you</strong>, <a href="%s">deny this device</a> and change your password immediately.</p>
        <p>This approval expires in %d minutes.</p>
    </div>
</body>
</html>
`, n.Browser, n.OS, n.Location, factors, n.Code, n.ApproveLink, n.DenyLink, expiresIn)

	textBody := fmt.Sprintf(`New Sign-In Attempt

Someone tried to sign in to your account from a device we don't recognize:

  Browser:          %s
  Operating system: %s
  Location:         %s
  Signals:          %s

If this was you, approve the device with this code: %s
Or open: %s

If this was NOT you, deny the device here and change your password immediately:
%s

This approval expires in %d minutes.
`, n.Browser, n.OS, n.Location, factors, n.Code, n.ApproveLink, n.DenyLink, expiresIn)

	return s.send(ctx, n.Email, "Approve new device sign-in", htmlBody, textBody)
}

// SendMagicLink mails a short-lived sign-in link.
func (s *AWSSESNotifier) SendMagicLink(ctx context.Context, email, language, token string, expiresAt time.Time) error {
	link := fmt.Sprintf("%s/login/magic?token=%s", s.baseURL, token)
	expiresIn := int(time.Until(expiresAt).Minutes())

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h1>Your Sign-In Link</h1>
        <p><a href="%s" style="display: inline-block; background-color: #0066cc; color: white; padding: 12px 24px; text-decoration: none; border-radius: 4px;">Sign in</a></p>
        <p>Or copy and paste this link in your browser:<br><code>%s</code></p>
        <p>This link expires in %d minutes and can be used once.</p>
        <p>If you didn't request this, you can ignore this email.</p>
    </div>
</body>
</html>
`, link, link, expiresIn)

	textBody := fmt.Sprintf(`Your Sign-In Link

%s

This link expires in %d minutes and can be used once.
If you didn't request this, you can ignore this email.
`, link, expiresIn)

	return s.send(ctx, email, "Your sign-in link", htmlBody, textBody)
}

// SendLockoutNotice tells the owner their account was locked after repeated
// failures.
func (s *AWSSESNotifier) SendLockoutNotice(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error {
	until := lockedUntil.UTC().Format(time.RFC1123)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h1>Account Temporarily Locked</h1>
        <p>Your account was locked after %d failed sign-in attempts.</p>
        <p>It will unlock automatically at <strong>%s</strong>.</p>
        <p>If these attempts weren't yours, change your password as soon as the lock lifts and review your trusted devices.</p>
    </div>
</body>
</html>
`, attempts, until)

	textBody := fmt.Sprintf(`Account Temporarily Locked

Your account was locked after %d failed sign-in attempts.
It will unlock automatically at %s.

If these attempts weren't yours, change your password as soon as the lock
lifts and review your trusted devices.
`, attempts, until)

	return s.send(ctx, email, "Your account was temporarily locked", htmlBody, textBody)
}

func (s *AWSSESNotifier) send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data:    aws.String(htmlBody),
					Charset: aws.String("UTF-8"),
				},
				Text: &types.Content{
					Data:    aws.String(textBody),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	if _, err := s.sesClient.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent", slog.String("subject", subject))
	return nil
}

// LogNotifier writes notifications to the log instead of sending them.
// Used in development and when email delivery is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a new LogNotifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (s *LogNotifier) SendDeviceApprovalNotice(ctx context.Context, n DeviceApprovalNotice) error {
	s.logger.Info("device approval notice (email disabled)",
		slog.String("approve_link", n.ApproveLink),
		slog.String("code", n.Code))
	return nil
}

func (s *LogNotifier) SendMagicLink(ctx context.Context, email, language, token string, expiresAt time.Time) error {
	s.logger.Info("magic link (email disabled)", slog.String("token", token))
	return nil
}

func (s *LogNotifier) SendLockoutNotice(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error {
	s.logger.Info("lockout notice (email disabled)", slog.Time("locked_until", lockedUntil))
	return nil
}
