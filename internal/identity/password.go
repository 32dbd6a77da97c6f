package identity

import (
	"fmt"
	"log/slog"

	"github.com/mkamstra/gatehouse/internal/email"
	"github.com/mkamstra/gatehouse/internal/krypto"
)

const (
	// MinPasswordBytes and MaxPasswordBytes bound password length. The lower
	// bound keeps offline guessing expensive, the upper bound allows
	// passphrases but not megabytes of data.
	MinPasswordBytes = 12
	MaxPasswordBytes = 80
)

// ErrInvalidPassword indicates a password is outside the length bounds.
var ErrInvalidPassword = fmt.Errorf("password must be between %d and %d characters", MinPasswordBytes, MaxPasswordBytes)

// Password is a plaintext password.
//
// It should never be persisted, logged or exposed in any other way. To
// protect ourselves from accidentally doing so, the type implements
// several common interfaces that would allow it to be used inappropriately.
//
// There are only two operations allowed on a Password:
// - Converting it to a hash.
// - Comparing it with an existing hash to see if they match.
type Password struct {
	plain []byte
}

// ParsePassword creates a new Password from a plaintext string.
// It errors if the password is too short or too long.
func ParsePassword(pwd string) (Password, error) {
	if len(pwd) < MinPasswordBytes || len(pwd) > MaxPasswordBytes {
		return Password{}, ErrInvalidPassword
	}

	return Password{
		plain: []byte(pwd),
	}, nil
}

// Match checks if the plaintext password matches the given hash.
// The comparison time is dominated by the hash function, not the compare.
func (p Password) Match(h krypto.Argon2Hash) bool {
	return h.MatchBytes(p.plain)
}

// Hash hashes the plaintext password using the argon2id algorithm.
func (p Password) Hash() (krypto.Argon2Hash, error) {
	return krypto.HashArgon2(p.plain)
}

func (p Password) Format(f fmt.State, verb rune) {
	f.Write([]byte(krypto.SecretMarker))
}

func (p Password) MarshalText() ([]byte, error) {
	return []byte(krypto.SecretMarker), nil
}

// LogValue implements the slog.Valuer interface.
func (p Password) LogValue() slog.Value {
	return slog.StringValue(krypto.SecretMarker)
}

// Credentials is an email address and password pair as provided by a user
// when registering or logging in.
type Credentials struct {
	Email    email.Address
	Password Password
}
