package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/krypto"
)

const (
	// BackupCodeCount is the number of backup codes in a full pool.
	BackupCodeCount = 10
	// BackupCodeLen is the length of a single backup code.
	BackupCodeLen = 8

	backupCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// Credential owns the password and two-factor state of a user.
// There is at most one credential per user.
//
// Invariant: if TOTPSecret is nil, two-factor is disabled, the user has no
// backup codes and LastUsedStep is nil. Enabling and disabling transition
// all three together, atomically.
type Credential struct {
	UserID       uuid.UUID
	PasswordHash krypto.Argon2Hash

	// TOTPSecret is the shared secret for time-based codes. nil means
	// two-factor is disabled. It is encrypted at rest by the store.
	TOTPSecret []byte

	// LastUsedStep records the time step of the last accepted TOTP code.
	// A code for a step that does not advance past it is a replay and is
	// rejected.
	LastUsedStep *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TwoFactorEnabled reports whether a TOTP secret is enrolled.
func (c Credential) TwoFactorEnabled() bool {
	return len(c.TOTPSecret) > 0
}

// BackupCode is a stored single-use fallback credential. Only the hash is
// persisted; the raw code is shown to the user exactly once, when the pool
// is generated.
type BackupCode struct {
	UserID    uuid.UUID
	CodeHash  TokenHash
	CreatedAt time.Time
}

// generateBackupCodes creates a fresh pool of raw backup codes.
// Codes are uppercase alphabetic so they're easy to read out and retype.
func generateBackupCodes() ([]string, error) {
	codes := make([]string, 0, BackupCodeCount)
	seen := make(map[string]struct{}, BackupCodeCount)

	for len(codes) < BackupCodeCount {
		var b strings.Builder
		b.Grow(BackupCodeLen)
		for i := 0; i < BackupCodeLen; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupCodeAlphabet[n.Int64()])
		}

		code := b.String()
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}

	return codes, nil
}

// hashBackupCode derives the storable hash of a backup code after
// normalizing its casing and surrounding whitespace. The hash is
// deterministic so consumption can be a single conditional delete by hash.
func hashBackupCode(code string) TokenHash {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	return TokenHash(sha256.Sum256([]byte(normalized)))
}
