package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/email"
)

// UserFilter is used to filter users.
// Returned users must match all the provided fields.
// If a field is empty or nil, it's ignored.
type UserFilter struct {
	IDs []uuid.UUID
}

// EmailFilter is used to filter emails. Addresses are matched by their
// normalized form, so lookups are case-insensitive.
type EmailFilter struct {
	IDs         []uuid.UUID
	UserIDs     []uuid.UUID
	Addresses   []email.Address
	TokenHashes []TokenHash
	IsConfirmed *bool
}

// CredentialFilter is used to filter credentials.
type CredentialFilter struct {
	UserIDs []uuid.UUID
}

// SessionFilter is used to filter sessions.
type SessionFilter struct {
	UserIDs     []uuid.UUID
	TokenHashes []TokenHash
}

// ResetTokenFilter is used to filter password reset tokens.
type ResetTokenFilter struct {
	UserIDs     []uuid.UUID
	TokenHashes []TokenHash
}

// Store provides access to the identity store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a transaction. If an error occurs on any of the methods, the
// transaction is considered to have failed and should be rolled back.
// Tx is not safe for concurrent use.
//
// The conditional methods (RefreshSession, ConsumeBackupCode,
// AdvanceLastUsedStep) combine their read and write into one store
// operation. Two racing calls can't both observe the old state and both
// report success.
type Tx interface {
	Commit() error
	Rollback() error

	CreateUser(u *User) error
	FindUsers(filter *UserFilter) ([]User, error)

	CreateEmail(e *Email) error
	UpdateEmail(e *Email) error
	DeleteEmail(id uuid.UUID) error
	FindEmails(filter *EmailFilter) ([]Email, error)

	CreateCredential(c *Credential) error
	UpdateCredential(c *Credential) error
	FindCredentials(filter *CredentialFilter) ([]Credential, error)

	// AdvanceLastUsedStep moves the TOTP replay marker to step, but only
	// if the stored marker is behind it. It reports whether the marker
	// advanced.
	AdvanceLastUsedStep(userID uuid.UUID, step int64) (bool, error)

	CreateSession(s *Session) error
	FindSessions(filter *SessionFilter) ([]Session, error)

	// RefreshSession updates the last-active timestamp of the session with
	// the given token hash, provided it was created at or after notBefore.
	// It returns errorz.ErrNotFound when no such session exists, which
	// includes the expired case.
	RefreshSession(tokenHash TokenHash, notBefore, now time.Time) (*Session, error)

	// DeleteSession deletes the session with the given token hash. Deleting
	// an unknown hash is not an error.
	DeleteSession(tokenHash TokenHash) error
	DeleteSessionsByUser(userID uuid.UUID) error

	CreateResetToken(t *ResetToken) error
	FindResetTokens(filter *ResetTokenFilter) ([]ResetToken, error)
	DeleteResetTokensByUser(userID uuid.UUID) error

	// ReplaceBackupCodes discards all backup codes of the user and stores
	// the provided ones.
	ReplaceBackupCodes(userID uuid.UUID, codes []BackupCode) error
	FindBackupCodes(userID uuid.UUID) ([]BackupCode, error)

	// ConsumeBackupCode deletes the backup code with the given hash and
	// reports whether it was present. At most one of two racing calls for
	// the same hash observes true.
	ConsumeBackupCode(userID uuid.UUID, hash TokenHash) (bool, error)
}
