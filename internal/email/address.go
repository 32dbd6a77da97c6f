package email

import (
	"errors"
	"net/mail"
	"strings"
)

// MaxAddressLen is the maximum length of an email address in bytes.
const MaxAddressLen = 160

// ErrInvalidAddress indicates an email address is not valid.
var ErrInvalidAddress = errors.New("invalid email address")

// Address is how gatehouse represents email addresses.
//
// An Address preserves the casing it was parsed with, that's how the user
// wants to see it displayed. Uniqueness and lookups are case-insensitive,
// use Normalized for those.
type Address string

// ParseAddress parses the given string and checks if it's shaped like an
// email address. It returns an error if the input is not a valid email
// address. Note that this doesn't guarantee the email address actually
// exists, it only checks the format.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)

	if len(trimmed) > MaxAddressLen {
		return Address(""), ErrInvalidAddress
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return Address(""), ErrInvalidAddress
	}

	// mail.ParseAddress accepts addresses with names and comments:
	// "Alice <alice@example.com>(comment)".
	//
	// We only want to accept inputs that consist of the address part.
	if addr.Address != trimmed {
		return Address(""), ErrInvalidAddress
	}

	return Address(addr.Address), nil
}

// Normalized returns the lowercased form of the address. This is the
// uniqueness key: "Foo@Bar.com" and "foo@bar.com" refer to the same mailbox.
func (a Address) Normalized() string {
	return strings.ToLower(string(a))
}

func (a *Address) UnmarshalText(text []byte) error {
	addr, err := ParseAddress(string(text))
	if err != nil {
		return err
	}

	*a = addr

	return nil
}
