package email

import "context"

// Sender is responsible for actually delivering a message to an address.
// Implementations live outside this module's failure domain: delivery is
// best-effort and never retried here.
type Sender interface {
	Send(ctx context.Context, recipient Address, subject, body string) error
}
