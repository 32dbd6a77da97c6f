package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/identity"
)

// Tx implements identity.Tx on a sql.Tx.
type Tx struct {
	tx    *sql.Tx
	store *Store
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// CreateUser creates a user in the database.
func (t *Tx) CreateUser(u *identity.User) error {
	return insertUser(t.store.newQuery(), t.tx.Exec, u)
}

// FindUsers queries for users based on the provided filter.
// It returns an empty slice if no users are found.
func (t *Tx) FindUsers(filter *identity.UserFilter) ([]identity.User, error) {
	return selectUsers(t.store.newQuery(), t.tx.Query, filter)
}

// CreateEmail creates an email in the database.
func (t *Tx) CreateEmail(e *identity.Email) error {
	return insertEmail(t.store.newQuery(), t.tx.Exec, e)
}

// UpdateEmail updates an email in the database.
// It returns errorz.ErrNotFound if no email is found.
func (t *Tx) UpdateEmail(e *identity.Email) error {
	return updateEmail(t.store.newQuery(), t.tx.Exec, e)
}

// DeleteEmail deletes an email from the database.
// It returns errorz.ErrNotFound if no email is found.
func (t *Tx) DeleteEmail(id uuid.UUID) error {
	return deleteEmail(t.store.newQuery(), t.tx.Exec, id)
}

// FindEmails queries for emails based on the provided filter.
func (t *Tx) FindEmails(filter *identity.EmailFilter) ([]identity.Email, error) {
	return selectEmails(t.store.newQuery(), t.tx.Query, filter)
}

// CreateCredential creates a credential in the database.
func (t *Tx) CreateCredential(c *identity.Credential) error {
	return insertCredential(t.store.newQuery(), t.tx.Exec, c)
}

// UpdateCredential updates a credential in the database.
// It returns errorz.ErrNotFound if no credential is found.
func (t *Tx) UpdateCredential(c *identity.Credential) error {
	return updateCredential(t.store.newQuery(), t.tx.Exec, c)
}

// FindCredentials queries for credentials based on the provided filter.
func (t *Tx) FindCredentials(filter *identity.CredentialFilter) ([]identity.Credential, error) {
	return selectCredentials(t.store.newQuery(), t.tx.Query, filter)
}

// AdvanceLastUsedStep moves the TOTP replay marker forward in a single
// conditional update. It reports false when the stored marker is already at
// or past the step.
func (t *Tx) AdvanceLastUsedStep(userID uuid.UUID, step int64) (bool, error) {
	return advanceLastUsedStep(t.store.newQuery(), t.tx.Exec, userID, step)
}

// CreateSession creates a session in the database.
func (t *Tx) CreateSession(s *identity.Session) error {
	return insertSession(t.store.newQuery(), t.tx.Exec, s)
}

// FindSessions queries for sessions based on the provided filter.
func (t *Tx) FindSessions(filter *identity.SessionFilter) ([]identity.Session, error) {
	return selectSessions(t.store.newQuery(), t.tx.Query, filter)
}

// RefreshSession updates the last-active timestamp of the session with the
// given token hash, provided it was created after notBefore, and returns
// the refreshed session. The predicate is part of the update statement, so
// the check and the write can't be separated by another writer.
func (t *Tx) RefreshSession(tokenHash identity.TokenHash, notBefore, now time.Time) (*identity.Session, error) {
	return refreshSession(t.store.newQuery(), t.tx.Exec, t.tx.Query, tokenHash, notBefore, now)
}

// DeleteSession deletes the session with the given token hash. Deleting an
// unknown hash is not an error.
func (t *Tx) DeleteSession(tokenHash identity.TokenHash) error {
	return deleteSession(t.store.newQuery(), t.tx.Exec, tokenHash)
}

// DeleteSessionsByUser deletes all sessions of the user.
func (t *Tx) DeleteSessionsByUser(userID uuid.UUID) error {
	return deleteSessionsByUser(t.store.newQuery(), t.tx.Exec, userID)
}

// CreateResetToken creates a password reset token in the database.
func (t *Tx) CreateResetToken(rt *identity.ResetToken) error {
	return insertResetToken(t.store.newQuery(), t.tx.Exec, rt)
}

// FindResetTokens queries for reset tokens based on the provided filter.
func (t *Tx) FindResetTokens(filter *identity.ResetTokenFilter) ([]identity.ResetToken, error) {
	return selectResetTokens(t.store.newQuery(), t.tx.Query, filter)
}

// DeleteResetTokensByUser deletes all reset tokens of the user.
func (t *Tx) DeleteResetTokensByUser(userID uuid.UUID) error {
	return deleteResetTokensByUser(t.store.newQuery(), t.tx.Exec, userID)
}

// ReplaceBackupCodes discards all backup codes of the user and stores the
// provided ones.
func (t *Tx) ReplaceBackupCodes(userID uuid.UUID, codes []identity.BackupCode) error {
	return replaceBackupCodes(t.store.newQuery(), t.tx.Exec, userID, codes)
}

// FindBackupCodes returns the stored backup codes of the user.
func (t *Tx) FindBackupCodes(userID uuid.UUID) ([]identity.BackupCode, error) {
	return selectBackupCodes(t.store.newQuery(), t.tx.Query, userID)
}

// ConsumeBackupCode deletes the backup code with the given hash in a single
// conditional delete and reports whether a row was removed.
func (t *Tx) ConsumeBackupCode(userID uuid.UUID, hash identity.TokenHash) (bool, error) {
	return consumeBackupCode(t.store.newQuery(), t.tx.Exec, userID, hash)
}
