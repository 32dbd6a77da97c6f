package identity

import (
	"context"
	"fmt"

	"github.com/mkamstra/gatehouse/internal/email"
)

// MailNotifier delivers notifications as emails with a link embedding the
// raw token.
type MailNotifier struct {
	sender  email.Sender
	baseURL string
}

// NewMailNotifier creates a MailNotifier that builds links relative to
// baseURL.
func NewMailNotifier(sender email.Sender, baseURL string) *MailNotifier {
	return &MailNotifier{
		sender:  sender,
		baseURL: baseURL,
	}
}

// Notify implements the Notifier interface.
func (m *MailNotifier) Notify(ctx context.Context, n Notification) error {
	var subject, path string

	switch n.Kind {
	case NotifyEmailConfirmation:
		subject = "Confirm your email address"
		path = "/confirm-email"
	case NotifyPasswordReset:
		subject = "Reset your password"
		path = "/reset-password"
	default:
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}

	body := fmt.Sprintf("Follow this link to continue: %s%s?token=%s", m.baseURL, path, n.Token.String())

	return m.sender.Send(ctx, n.To, subject, body)
}
