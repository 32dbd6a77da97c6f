package identity

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity root. It carries no attributes of its own, everything
// interesting hangs off it: emails, the credential, sessions and reset
// tokens. Deleting a user is the responsibility of an external owner, which
// must cascade-delete all owned entities.
type User struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}
