package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/db"
	"github.com/mkamstra/gatehouse/internal/email"
	"github.com/mkamstra/gatehouse/internal/errorz"
	"github.com/mkamstra/gatehouse/internal/identity"
)

type execFunc func(query string, params ...any) (sql.Result, error)
type queryFunc func(query string, params ...any) (*sql.Rows, error)

func insertUser(q db.Query, ef execFunc, u *identity.User) error {
	if u.ID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO users (id, created_at, updated_at) VALUES (`)
	q.Params(u.ID, utc(u.CreatedAt), utc(u.UpdatedAt))
	q.Unsafe(`)`)

	return exec(&q, ef)
}

func selectUsers(q db.Query, qf queryFunc, f *identity.UserFilter) ([]identity.User, error) {
	q.Unsafe(`SELECT id, created_at, updated_at FROM users WHERE 1=1 `)

	if len(f.IDs) > 0 {
		q.Unsafe(`AND id IN (`)
		q.Params(anySlice(f.IDs)...)
		q.Unsafe(`)`)
	}

	q.Unsafe(` ORDER BY created_at ASC, id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.User, 0)
	for rows.Next() {
		var u identity.User
		if err := rows.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, errorz.MapDBErr(err)
		}
		out = append(out, u)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func insertEmail(q db.Query, ef execFunc, e *identity.Email) error {
	if e.ID == uuid.Nil || e.UserID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO emails (id, user_id, address_encrypted, address_index, confirmation_token_hash, token_issued_at, confirmed_at, created_at, updated_at) VALUES (`)
	q.Params(e.ID, e.UserID)
	q.Unsafe(`, `)
	q.ParamEncrypted([]byte(e.Address))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(e.Address.Normalized()))
	q.Unsafe(`, `)
	q.Params(tokenHashParam(e.ConfirmationTokenHash), utc(e.TokenIssuedAt), utcPtr(e.ConfirmedAt), utc(e.CreatedAt), utc(e.UpdatedAt))
	q.Unsafe(`)`)

	return exec(&q, ef)
}

func updateEmail(q db.Query, ef execFunc, e *identity.Email) error {
	q.Unsafe(`UPDATE emails SET `)

	q.Unsafe(`address_encrypted = `)
	q.ParamEncrypted([]byte(e.Address))

	q.Unsafe(`, address_index = `)
	q.ParamBlindIndex([]byte(e.Address.Normalized()))

	q.Unsafe(`, confirmation_token_hash = `)
	q.Param(tokenHashParam(e.ConfirmationTokenHash))

	q.Unsafe(`, token_issued_at = `)
	q.Param(utc(e.TokenIssuedAt))

	q.Unsafe(`, confirmed_at = `)
	q.Param(utcPtr(e.ConfirmedAt))

	q.Unsafe(`, updated_at = `)
	q.Param(utc(e.UpdatedAt))

	q.Unsafe(` WHERE id = `)
	q.Param(e.ID)

	return execAffecting(&q, ef, "email")
}

func deleteEmail(q db.Query, ef execFunc, id uuid.UUID) error {
	q.Unsafe(`DELETE FROM emails WHERE id = `)
	q.Param(id)

	return execAffecting(&q, ef, "email")
}

func selectEmails(q db.Query, qf queryFunc, f *identity.EmailFilter) ([]identity.Email, error) {
	q.Unsafe(`SELECT id, user_id, address_encrypted, confirmation_token_hash, token_issued_at, confirmed_at, created_at, updated_at FROM emails WHERE 1=1 `)

	if len(f.IDs) > 0 {
		q.Unsafe(`AND id IN (`)
		q.Params(anySlice(f.IDs)...)
		q.Unsafe(`)`)
	}

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`)`)
	}

	if len(f.Addresses) > 0 {
		q.Unsafe(`AND address_index IN (`)
		for i, addr := range f.Addresses {
			if i > 0 {
				q.Unsafe(`, `)
			}
			q.ParamBlindIndex([]byte(addr.Normalized()))
		}
		q.Unsafe(`)`)
	}

	if len(f.TokenHashes) > 0 {
		q.Unsafe(`AND confirmation_token_hash IN (`)
		q.Params(anySlice(f.TokenHashes)...)
		q.Unsafe(`)`)
	}

	if f.IsConfirmed != nil {
		if *f.IsConfirmed {
			q.Unsafe(`AND confirmed_at IS NOT NULL `)
		} else {
			q.Unsafe(`AND confirmed_at IS NULL `)
		}
	}

	q.Unsafe(` ORDER BY created_at ASC, id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.Email, 0)
	for rows.Next() {
		var e identity.Email
		addrBytes := q.DecryptionTarget()
		var tokenHash sql.NullString
		var confirmedAt sql.NullTime

		err := rows.Scan(&e.ID, &e.UserID, addrBytes, &tokenHash, &e.TokenIssuedAt, &confirmedAt, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}

		e.Address, err = email.ParseAddress(string(addrBytes.Data))
		if err != nil {
			return nil, err
		}

		if tokenHash.Valid {
			h, err := identity.ParseTokenHash(tokenHash.String)
			if err != nil {
				return nil, err
			}
			e.ConfirmationTokenHash = &h
		}

		if confirmedAt.Valid {
			t := confirmedAt.Time
			e.ConfirmedAt = &t
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func insertCredential(q db.Query, ef execFunc, c *identity.Credential) error {
	if c.UserID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO credentials (user_id, password_hash, totp_secret_encrypted, totp_last_step, created_at, updated_at) VALUES (`)
	q.Params(c.UserID, c.PasswordHash.String())
	q.Unsafe(`, `)
	paramSecret(&q, c.TOTPSecret)
	q.Unsafe(`, `)
	q.Params(c.LastUsedStep, utc(c.CreatedAt), utc(c.UpdatedAt))
	q.Unsafe(`)`)

	return exec(&q, ef)
}

func updateCredential(q db.Query, ef execFunc, c *identity.Credential) error {
	q.Unsafe(`UPDATE credentials SET `)

	q.Unsafe(`password_hash = `)
	q.Param(c.PasswordHash.String())

	q.Unsafe(`, totp_secret_encrypted = `)
	paramSecret(&q, c.TOTPSecret)

	q.Unsafe(`, totp_last_step = `)
	q.Param(c.LastUsedStep)

	q.Unsafe(`, updated_at = `)
	q.Param(utc(c.UpdatedAt))

	q.Unsafe(` WHERE user_id = `)
	q.Param(c.UserID)

	return execAffecting(&q, ef, "credential")
}

func selectCredentials(q db.Query, qf queryFunc, f *identity.CredentialFilter) ([]identity.Credential, error) {
	q.Unsafe(`SELECT user_id, password_hash, totp_secret_encrypted, totp_last_step, created_at, updated_at FROM credentials WHERE 1=1 `)

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`)`)
	}

	q.Unsafe(` ORDER BY created_at ASC, user_id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.Credential, 0)
	for rows.Next() {
		var c identity.Credential
		var secretRaw []byte
		var lastStep sql.NullInt64

		err := rows.Scan(&c.UserID, &c.PasswordHash, &secretRaw, &lastStep, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}

		if len(secretRaw) > 0 {
			c.TOTPSecret, err = q.Encryptor.Decrypt(secretRaw)
			if err != nil {
				return nil, err
			}
		}

		if lastStep.Valid {
			step := lastStep.Int64
			c.LastUsedStep = &step
		}

		out = append(out, c)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func advanceLastUsedStep(q db.Query, ef execFunc, userID uuid.UUID, step int64) (bool, error) {
	q.Unsafe(`UPDATE credentials SET totp_last_step = `)
	q.Param(step)
	q.Unsafe(` WHERE user_id = `)
	q.Param(userID)
	q.Unsafe(` AND (totp_last_step IS NULL OR totp_last_step < `)
	q.Param(step)
	q.Unsafe(`)`)

	return execConditional(&q, ef)
}

func insertSession(q db.Query, ef execFunc, s *identity.Session) error {
	if s.ID == uuid.Nil || s.UserID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO sessions (id, user_id, client, token_hash, created_at, last_active_at) VALUES (`)
	q.Params(s.ID, s.UserID, s.Client, s.TokenHash, utc(s.CreatedAt), utc(s.LastActiveAt))
	q.Unsafe(`)`)

	return exec(&q, ef)
}

func selectSessions(q db.Query, qf queryFunc, f *identity.SessionFilter) ([]identity.Session, error) {
	q.Unsafe(`SELECT id, user_id, client, token_hash, created_at, last_active_at FROM sessions WHERE 1=1 `)

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`)`)
	}

	if len(f.TokenHashes) > 0 {
		q.Unsafe(`AND token_hash IN (`)
		q.Params(anySlice(f.TokenHashes)...)
		q.Unsafe(`)`)
	}

	q.Unsafe(` ORDER BY created_at ASC, id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.Session, 0)
	for rows.Next() {
		var sess identity.Session
		err := rows.Scan(&sess.ID, &sess.UserID, &sess.Client, &sess.TokenHash, &sess.CreatedAt, &sess.LastActiveAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}
		out = append(out, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func refreshSession(q db.Query, ef execFunc, qf queryFunc, tokenHash identity.TokenHash, notBefore, now time.Time) (*identity.Session, error) {
	q.Unsafe(`UPDATE sessions SET last_active_at = `)
	q.Param(utc(now))
	q.Unsafe(` WHERE token_hash = `)
	q.Param(tokenHash)
	q.Unsafe(` AND created_at >= `)
	q.Param(utc(notBefore))

	updated, err := execConditional(&q, ef)
	if err != nil {
		return nil, err
	}

	if !updated {
		return nil, errorz.ErrNotFound
	}

	q2 := db.Query{}
	sessions, err := selectSessions(q2, qf, &identity.SessionFilter{
		TokenHashes: []identity.TokenHash{tokenHash},
	})
	if err != nil {
		return nil, err
	}

	if len(sessions) != 1 {
		return nil, errorz.ErrNotFound
	}

	return &sessions[0], nil
}

func deleteSession(q db.Query, ef execFunc, tokenHash identity.TokenHash) error {
	q.Unsafe(`DELETE FROM sessions WHERE token_hash = `)
	q.Param(tokenHash)

	// Deliberately not checking affected rows: deleting an absent session
	// is a success.
	return exec(&q, ef)
}

func deleteSessionsByUser(q db.Query, ef execFunc, userID uuid.UUID) error {
	q.Unsafe(`DELETE FROM sessions WHERE user_id = `)
	q.Param(userID)

	return exec(&q, ef)
}

func insertResetToken(q db.Query, ef execFunc, rt *identity.ResetToken) error {
	if rt.ID == uuid.Nil || rt.UserID == uuid.Nil {
		return fmt.Errorf("zero uuid provided: %w", errorz.ErrConstraintViolated)
	}

	q.Unsafe(`INSERT INTO reset_tokens (id, user_id, token_hash, created_at) VALUES (`)
	q.Params(rt.ID, rt.UserID, rt.TokenHash, utc(rt.CreatedAt))
	q.Unsafe(`)`)

	return exec(&q, ef)
}

func selectResetTokens(q db.Query, qf queryFunc, f *identity.ResetTokenFilter) ([]identity.ResetToken, error) {
	q.Unsafe(`SELECT id, user_id, token_hash, created_at FROM reset_tokens WHERE 1=1 `)

	if len(f.UserIDs) > 0 {
		q.Unsafe(`AND user_id IN (`)
		q.Params(anySlice(f.UserIDs)...)
		q.Unsafe(`)`)
	}

	if len(f.TokenHashes) > 0 {
		q.Unsafe(`AND token_hash IN (`)
		q.Params(anySlice(f.TokenHashes)...)
		q.Unsafe(`)`)
	}

	q.Unsafe(` ORDER BY created_at ASC, id ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.ResetToken, 0)
	for rows.Next() {
		var rt identity.ResetToken
		err := rows.Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.CreatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}
		out = append(out, rt)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func deleteResetTokensByUser(q db.Query, ef execFunc, userID uuid.UUID) error {
	q.Unsafe(`DELETE FROM reset_tokens WHERE user_id = `)
	q.Param(userID)

	return exec(&q, ef)
}

func replaceBackupCodes(q db.Query, ef execFunc, userID uuid.UUID, codes []identity.BackupCode) error {
	q.Unsafe(`DELETE FROM backup_codes WHERE user_id = `)
	q.Param(userID)

	if err := exec(&q, ef); err != nil {
		return err
	}

	for _, code := range codes {
		iq := db.Query{}
		iq.Unsafe(`INSERT INTO backup_codes (user_id, code_hash, created_at) VALUES (`)
		iq.Params(code.UserID, code.CodeHash, utc(code.CreatedAt))
		iq.Unsafe(`)`)

		if err := exec(&iq, ef); err != nil {
			return err
		}
	}

	return nil
}

func selectBackupCodes(q db.Query, qf queryFunc, userID uuid.UUID) ([]identity.BackupCode, error) {
	q.Unsafe(`SELECT user_id, code_hash, created_at FROM backup_codes WHERE user_id = `)
	q.Param(userID)
	q.Unsafe(` ORDER BY code_hash ASC`)

	s, params, err := q.Get()
	if err != nil {
		return nil, err
	}

	rows, err := qf(s, params...)
	if err != nil {
		return nil, errorz.MapDBErr(err)
	}
	defer rows.Close()

	out := make([]identity.BackupCode, 0)
	for rows.Next() {
		var bc identity.BackupCode
		err := rows.Scan(&bc.UserID, &bc.CodeHash, &bc.CreatedAt)
		if err != nil {
			return nil, errorz.MapDBErr(err)
		}
		out = append(out, bc)
	}

	if err := rows.Err(); err != nil {
		return nil, errorz.MapDBErr(err)
	}

	return out, nil
}

func consumeBackupCode(q db.Query, ef execFunc, userID uuid.UUID, hash identity.TokenHash) (bool, error) {
	q.Unsafe(`DELETE FROM backup_codes WHERE user_id = `)
	q.Param(userID)
	q.Unsafe(` AND code_hash = `)
	q.Param(hash)

	return execConditional(&q, ef)
}

// exec runs the built query and maps the error.
func exec(q *db.Query, ef execFunc) error {
	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	return errorz.MapDBErr(err)
}

// execAffecting runs the built query and returns ErrNotFound when no row
// was affected.
func execAffecting(q *db.Query, ef execFunc, entity string) error {
	s, params, err := q.Get()
	if err != nil {
		return err
	}

	result, err := ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errorz.MapDBErr(err)
	}

	if rows == 0 {
		return fmt.Errorf("%s not found: %w", entity, errorz.ErrNotFound)
	}

	return nil
}

// execConditional runs the built query and reports whether a row was
// affected. This is the primitive behind the race-safe single-use
// operations.
func execConditional(q *db.Query, ef execFunc) (bool, error) {
	s, params, err := q.Get()
	if err != nil {
		return false, err
	}

	result, err := ef(s, params...)
	if err != nil {
		return false, errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errorz.MapDBErr(err)
	}

	return rows > 0, nil
}

func paramSecret(q *db.Query, secret []byte) {
	if len(secret) == 0 {
		q.Param(nil)
		return
	}
	q.ParamEncrypted(secret)
}

func tokenHashParam(h *identity.TokenHash) any {
	if h == nil {
		return nil
	}
	return h.String()
}

func anySlice[T any](in []T) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
