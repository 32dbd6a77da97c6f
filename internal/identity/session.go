package identity

import (
	"time"

	"github.com/google/uuid"
)

// Session is a revocable, time-bounded login grant.
//
// A session expires a fixed duration after it was created. Activity
// refreshes LastActiveAt but never extends the lifetime: a 60 day old
// session is invalid even if it was used yesterday.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID

	// Client is a free-form descriptor of what the session was created
	// for, a device or user agent label.
	Client string

	// TokenHash is the hash of the session token. The raw token is only
	// ever held by the client.
	TokenHash TokenHash

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// ResetToken is a short-lived, single-use authorization to change a
// password without re-proving the old one. All reset tokens of a user are
// invalidated the moment any password change or reset succeeds.
type ResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash TokenHash
	CreatedAt time.Time
}
