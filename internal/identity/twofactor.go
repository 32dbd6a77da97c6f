package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/errorz"
	"github.com/mkamstra/gatehouse/internal/krypto"
	"github.com/mkamstra/gatehouse/internal/totp"
)

// ErrInvalidCode indicates a two-factor code didn't verify.
var ErrInvalidCode = errors.New("invalid two-factor code")

// ErrCodeFormat indicates a code is not a 6 digit numeral string.
var ErrCodeFormat = fmt.Errorf("code must be a %d digit number", totp.DefaultDigits)

// PendingTwoFactor is a staged enrollment: a fresh secret that has been
// shown to the user but not yet persisted. It becomes effective only when
// EnableTwoFactor verifies a code generated from it.
type PendingTwoFactor struct {
	UserID uuid.UUID
	Secret krypto.Secret

	// URI is the otpauth:// provisioning URI for QR display.
	URI string
}

// SecretBase32 returns the secret in the form authenticator apps accept for
// manual entry.
func (p *PendingTwoFactor) SecretBase32() string {
	return totp.EncodeSecret(p.Secret.SecretValue())
}

// LogValue implements the slog.Valuer interface.
func (p *PendingTwoFactor) LogValue() slog.Value {
	return slog.StringValue(krypto.SecretMarker)
}

// RequestEnableTwoFactor stages a two-factor enrollment for the user.
// Nothing is persisted: the returned secret only becomes the credential's
// secret once the user proves they enrolled it, via EnableTwoFactor.
func (s *Service) RequestEnableTwoFactor(ctx context.Context, userID uuid.UUID) (*PendingTwoFactor, error) {
	var account string

	err := s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return errorz.ErrNotFound
		}

		mails, txErr := tx.FindEmails(&EmailFilter{UserIDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(mails) > 0 {
			account = string(mails[0].Address)
		} else {
			account = userID.String()
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	secret, err := totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	return &PendingTwoFactor{
		UserID: userID,
		Secret: krypto.NewSecret(string(secret)),
		URI:    totp.KeyURI(secret, s.cfg.TOTPIssuer, account, s.cfg.TOTP),
	}, nil
}

// EnableTwoFactor commits a staged enrollment after verifying a code
// generated from the pending secret.
//
// On success it persists the secret, replaces the user's backup codes with
// a fresh pool and returns the raw codes. This is the only time the raw
// codes exist outside the user's hands; afterwards only their hashes
// remain.
func (s *Service) EnableTwoFactor(ctx context.Context, pending *PendingTwoFactor, otpCode string) ([]string, error) {
	if err := validateCodeFormat(otpCode); err != nil {
		return nil, err
	}

	ok, _, err := totp.Verify(pending.Secret.SecretValue(), otpCode, s.NowFunc(), s.cfg.TOTP)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}

	rawCodes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.NowFunc()
	stored := make([]BackupCode, 0, len(rawCodes))
	for _, code := range rawCodes {
		stored = append(stored, BackupCode{
			UserID:    pending.UserID,
			CodeHash:  hashBackupCode(code),
			CreatedAt: now,
		})
	}

	err = s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{pending.UserID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return errorz.ErrNotFound
		}

		cred := creds[0]
		cred.TOTPSecret = pending.Secret.SecretValue()
		cred.LastUsedStep = nil
		cred.UpdatedAt = now

		if txErr := tx.UpdateCredential(&cred); txErr != nil {
			return txErr
		}

		return tx.ReplaceBackupCodes(pending.UserID, stored)
	})
	if err != nil {
		return nil, err
	}

	return rawCodes, nil
}

// VerifyTwoFactor checks a time-based code or a backup code for the user.
//
// TOTP codes are checked first, with replay protection: a code for a time
// step that doesn't advance past the last accepted step is rejected, and
// the marker advance is a conditional store operation so two concurrent
// verifications of the same code can't both succeed. If TOTP fails, the
// input is tried as a backup code; a match consumes the code in a
// conditional delete, so each backup code works exactly once.
//
// It returns false without mutation when neither matches.
func (s *Service) VerifyTwoFactor(ctx context.Context, userID uuid.UUID, code string) (bool, error) {
	accepted := false

	err := s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 || !creds[0].TwoFactorEnabled() {
			return errorz.ErrNotFound
		}

		ok, step, txErr := totp.Verify(creds[0].TOTPSecret, code, s.NowFunc(), s.cfg.TOTP)
		if txErr != nil {
			return txErr
		}

		if ok {
			// The marker only advances forward, so accepting a code
			// marks its whole skew window as spent.
			accepted, txErr = tx.AdvanceLastUsedStep(userID, step)
			return txErr
		}

		accepted, txErr = tx.ConsumeBackupCode(userID, hashBackupCode(code))
		return txErr
	})
	if err != nil {
		return false, err
	}

	return accepted, nil
}

// RegenerateBackupCodes discards the user's backup codes and returns a
// fresh pool. It fails with errorz.ErrNotFound when the user has no
// credential or two-factor is not enabled.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rawCodes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}

	now := s.NowFunc()
	stored := make([]BackupCode, 0, len(rawCodes))
	for _, code := range rawCodes {
		stored = append(stored, BackupCode{
			UserID:    userID,
			CodeHash:  hashBackupCode(code),
			CreatedAt: now,
		})
	}

	err = s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 || !creds[0].TwoFactorEnabled() {
			return errorz.ErrNotFound
		}

		return tx.ReplaceBackupCodes(userID, stored)
	})
	if err != nil {
		return nil, err
	}

	return rawCodes, nil
}

// DisableTwoFactor turns two-factor off: the secret, the backup codes and
// the replay marker are cleared in one transaction, never partially. It
// fails with errorz.ErrNotFound when the user has no credential.
func (s *Service) DisableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	return s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return errorz.ErrNotFound
		}

		cred := creds[0]
		cred.TOTPSecret = nil
		cred.LastUsedStep = nil
		cred.UpdatedAt = s.NowFunc()

		if txErr := tx.UpdateCredential(&cred); txErr != nil {
			return txErr
		}

		return tx.ReplaceBackupCodes(userID, nil)
	})
}

func validateCodeFormat(code string) error {
	if len(code) != totp.DefaultDigits {
		return errorz.InvalidInput{errorz.Keyed{Key: "code", Err: ErrCodeFormat}}
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return errorz.InvalidInput{errorz.Keyed{Key: "code", Err: ErrCodeFormat}}
		}
	}
	return nil
}
