package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkamstra/gatehouse/internal/krypto"
)

const tokenLen = 32

// ErrInvalidToken indicates an input could not even be decoded as a token.
// It is deliberately distinct from errorz.ErrNotFound so callers can reject
// garbage without a store round trip, but both are surfaced to end users the
// same way.
var ErrInvalidToken = errors.New("invalid token")

// Token is a random token handed out for sessions, email confirmation and
// password resets.
//
// The only time a token should be provided in plaintext is when it's handed
// to the user (email link, header). Tokens are confidential and should never
// be exposed in logs or persisted in plaintext, only their hash is stored.
type Token [tokenLen]byte

// GenerateToken creates a new random token.
func GenerateToken() (Token, error) {
	var t Token
	if _, err := rand.Read(t[:]); err != nil {
		return Token{}, err
	}
	return t, nil
}

// ParseToken parses a token from its external string form.
// It returns ErrInvalidToken if the input doesn't decode to a token.
func ParseToken(raw string) (Token, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(b) != tokenLen {
		return Token{}, ErrInvalidToken
	}

	return Token(b), nil
}

// String returns the external form of the token: URL-safe base64 without
// padding, so it can be embedded in links and headers without escaping.
func (t Token) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

// Hash derives the storable hash of the token. The hash is deterministic so
// the store can look tokens up by it; a stolen backup only ever leaks
// hashes, never usable tokens.
func (t Token) Hash() TokenHash {
	return TokenHash(sha256.Sum256(t[:]))
}

// LogValue implements the slog.Valuer interface.
func (t Token) LogValue() slog.Value {
	return slog.StringValue(krypto.SecretMarker)
}

func (t Token) Format(f fmt.State, verb rune) {
	f.Write([]byte(krypto.SecretMarker))
}

// TokenHash is the one-way hash of a Token, the only artifact that is
// persisted. Unlike the token itself it is not secret.
type TokenHash [sha256.Size]byte

// ParseTokenHash parses a token hash from its hex encoding.
func ParseTokenHash(raw string) (TokenHash, error) {
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return TokenHash{}, fmt.Errorf("%w: bad token hash", ErrInvalidToken)
	}

	return TokenHash(b), nil
}

// String returns the hex encoding of the hash.
func (h TokenHash) String() string {
	return hex.EncodeToString(h[:])
}

// Scan implements the sql.Scanner interface.
func (h *TokenHash) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T as token hash", src)
	}

	parsed, err := ParseTokenHash(raw)
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}

// Value implements the driver.Valuer interface.
func (h TokenHash) Value() (driver.Value, error) {
	return h.String(), nil
}
