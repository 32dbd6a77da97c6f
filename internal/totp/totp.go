// Package totp implements time-based one-time passwords as described in
// RFC 6238, layered on the HOTP construction from RFC 4226.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"
	"time"
)

const (
	// SecretLen is the length of generated shared secrets in bytes.
	SecretLen = 20

	// DefaultDigits is the conventional code length.
	DefaultDigits = 6
	// DefaultPeriod is the conventional time step.
	DefaultPeriod = 30 * time.Second
	// DefaultSkew is the number of time steps a code is accepted before or
	// after the current one, to tolerate clock drift.
	DefaultSkew = 1
)

var (
	ErrEmptySecret          = errors.New("empty totp secret")
	ErrUnsupportedAlgorithm = errors.New("unsupported totp algorithm")
)

// Params configure code generation and verification.
// The zero value is not usable, use DefaultParams.
type Params struct {
	Digits    int
	Period    time.Duration
	Skew      int
	Algorithm string // "SHA1" (default), "SHA256" or "SHA512"
}

// DefaultParams returns the parameters virtually all authenticator apps
// expect: 6 digits, 30 second steps, SHA-1.
func DefaultParams() Params {
	return Params{
		Digits:    DefaultDigits,
		Period:    DefaultPeriod,
		Skew:      DefaultSkew,
		Algorithm: "SHA1",
	}
}

// GenerateSecret creates a new random shared secret.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

// EncodeSecret returns the base32 form of a secret, without padding, as
// authenticator apps expect it.
func EncodeSecret(secret []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
}

// Verify checks code against the secret at the given time.
//
// It reports whether the code is valid and, if so, the step counter the code
// was generated for. Callers that need replay protection must record the
// returned step and refuse codes whose step does not advance past it.
//
// Codes within p.Skew steps of the current one are accepted. The comparison
// is constant time in the code.
func Verify(secret []byte, code string, now time.Time, p Params) (bool, int64, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != p.Digits || !isNumeric(trimmed) {
		return false, 0, nil
	}

	if len(secret) == 0 {
		return false, 0, ErrEmptySecret
	}

	base := now.Unix() / int64(p.Period/time.Second)
	matched := false
	var matchedStep int64

	// Always check the full window so verification time doesn't reveal
	// which step matched.
	for offset := -p.Skew; offset <= p.Skew; offset++ {
		step := base + int64(offset)
		if step < 0 {
			continue
		}

		generated, err := Code(secret, step, p)
		if err != nil {
			return false, 0, err
		}

		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 && !matched {
			matched = true
			matchedStep = step
		}
	}

	return matched, matchedStep, nil
}

// Code computes the code for the given step counter.
func Code(secret []byte, step int64, p Params) (string, error) {
	hf, err := hashFunc(p.Algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(step))

	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 section 5.3.
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < p.Digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", p.Digits, bin%mod), nil
}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
