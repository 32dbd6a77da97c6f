package identity

import (
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/email"
)

// Email represents a contact address bound to a user.
//
// A user has one or more emails. Addresses are unique across all users,
// case-insensitively: the store indexes them by their normalized form while
// the address itself keeps the casing the user registered with.
type Email struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Address email.Address

	// ConfirmationTokenHash is the hash of the pending confirmation token.
	// We hash the token to prevent someone with access to the database from
	// mis-using it. It is cleared once the address is confirmed, making the
	// token single use.
	ConfirmationTokenHash *TokenHash
	TokenIssuedAt         time.Time

	// ConfirmedAt is nil while the address is unconfirmed.
	ConfirmedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsConfirmed reports whether the address was confirmed.
func (e Email) IsConfirmed() bool {
	return e.ConfirmedAt != nil
}
