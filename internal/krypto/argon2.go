package krypto

import (
	"crypto/rand"
	"crypto/subtle"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	saltLen = 16
	hashLen = 16

	argonVariant = "argon2id"
	argonVersion = argon2.Version

	// Default parameters, following the second recommended option in
	// RFC 9106 section 4.
	argonMemory      = 47104 // in KiB
	argonIterations  = 1
	argonParallelism = 1
)

// ErrInvalidArgon2Hash indicates a string could not be parsed as an
// argon2 hash.
var ErrInvalidArgon2Hash = errors.New("invalid argon2 hash")

// Argon2Hash is the result of hashing data using the argon2id algorithm.
//
// It round-trips to the common "$argon2id$v=..$m=..,t=..,p=..$salt$hash"
// string encoding, which is also how it's stored in the database. The
// parameters are part of the encoding so hashes created with older
// parameters keep matching after the defaults change.
type Argon2Hash struct {
	Version     int
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	Salt        []byte
	Hash        []byte
}

// HashArgon2 hashes the provided data with a random salt.
func HashArgon2(data []byte) (Argon2Hash, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Argon2Hash{}, err
	}

	return hashArgon2WithSalt(data, salt), nil
}

// HashArgon2WithKey hashes the provided data using the key as the salt.
// The result is deterministic for a given key, which makes it usable as a
// blind index: equal inputs produce equal hashes that can be compared and
// indexed without revealing the input.
func HashArgon2WithKey(data []byte, key Key) (Argon2Hash, error) {
	if len(key.value) == 0 {
		return Argon2Hash{}, ErrInvalidKey
	}

	return hashArgon2WithSalt(data, key.value), nil
}

func hashArgon2WithSalt(data, salt []byte) Argon2Hash {
	hash := argon2.IDKey(data, salt, argonIterations, argonMemory, argonParallelism, hashLen)

	return Argon2Hash{
		Version:     argonVersion,
		Memory:      argonMemory,
		Iterations:  argonIterations,
		Parallelism: argonParallelism,
		Salt:        salt,
		Hash:        hash,
	}
}

// MatchBytes reports whether the hash was derived from the provided data.
// It re-hashes data using the stored salt and parameters and compares the
// results in constant time.
func (h Argon2Hash) MatchBytes(data []byte) bool {
	other := argon2.IDKey(data, h.Salt, h.Iterations, h.Memory, h.Parallelism, uint32(len(h.Hash)))
	return subtle.ConstantTimeCompare(h.Hash, other) == 1
}

// ParseArgon2Hash parses a hash from its string encoding.
func ParseArgon2Hash(raw string) (Argon2Hash, error) {
	parts := strings.Split(raw, "$")
	if len(parts) != 6 || parts[0] != "" {
		return Argon2Hash{}, ErrInvalidArgon2Hash
	}

	if parts[1] != argonVariant {
		return Argon2Hash{}, fmt.Errorf("unsupported variant %q: %w", parts[1], ErrInvalidArgon2Hash)
	}

	var h Argon2Hash
	if _, err := fmt.Sscanf(parts[2], "v=%d", &h.Version); err != nil {
		return Argon2Hash{}, ErrInvalidArgon2Hash
	}

	if h.Version != argonVersion {
		return Argon2Hash{}, fmt.Errorf("unsupported version %d: %w", h.Version, ErrInvalidArgon2Hash)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &h.Memory, &h.Iterations, &h.Parallelism); err != nil {
		return Argon2Hash{}, ErrInvalidArgon2Hash
	}

	var err error
	h.Salt, err = base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil {
		return Argon2Hash{}, ErrInvalidArgon2Hash
	}

	h.Hash, err = base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil {
		return Argon2Hash{}, ErrInvalidArgon2Hash
	}

	return h, nil
}

// String returns the string encoding of the hash. Unlike the data that was
// hashed, the hash itself is not considered secret.
func (h Argon2Hash) String() string {
	return fmt.Sprintf(
		"$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argonVariant,
		h.Version,
		h.Memory,
		h.Iterations,
		h.Parallelism,
		base64.RawStdEncoding.EncodeToString(h.Salt),
		base64.RawStdEncoding.EncodeToString(h.Hash),
	)
}

func (h Argon2Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Argon2Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseArgon2Hash(string(text))
	if err != nil {
		return err
	}

	*h = parsed
	return nil
}

// Scan implements the sql.Scanner interface.
func (h *Argon2Hash) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return h.UnmarshalText([]byte(v))
	case []byte:
		return h.UnmarshalText(v)
	default:
		return fmt.Errorf("cannot scan %T: %w", src, ErrInvalidArgon2Hash)
	}
}

// Value implements the driver.Valuer interface.
func (h Argon2Hash) Value() (driver.Value, error) {
	return h.String(), nil
}
