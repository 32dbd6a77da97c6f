package email

import (
	"context"
	"log/slog"
)

// LogSender is a Sender that logs the message to the logger instead of
// sending it. Note that this is not meant for production use as it logs the
// email addresses and all message contents. Resulting in sensitive
// information being logged.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a new LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{
		logger: logger,
	}
}

// Send logs the message to the logger.
func (s *LogSender) Send(_ context.Context, recipient Address, subject, body string) error {
	s.logger.Info("send email",
		"recipient", recipient,
		"subject", subject,
		"body", body,
	)
	return nil
}
