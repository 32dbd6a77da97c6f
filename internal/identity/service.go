// Package identity implements the credential and session management core:
// email/password login, email confirmation, password reset, revocable
// sessions and time-based two-factor authentication with backup codes.
//
// The package is a library invoked by concurrent request handlers. The
// store is the only shared mutable state; every invariant-preserving
// mutation happens inside a single store transaction.
package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/email"
	"github.com/mkamstra/gatehouse/internal/errorz"
	"github.com/mkamstra/gatehouse/internal/krypto"
	"github.com/mkamstra/gatehouse/internal/totp"
)

var (
	// ErrInvalidCredentials indicates an email/password pair didn't match.
	// Callers don't learn whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidCurrentPassword indicates the current password provided for
	// a password change didn't verify.
	ErrInvalidCurrentPassword = errors.New("invalid current password")
	// ErrEmailTaken indicates an address is already registered, compared
	// case-insensitively.
	ErrEmailTaken = errors.New("email address already in use")
)

// NotificationKind tells the notifier what a token is for.
type NotificationKind string

const (
	NotifyEmailConfirmation NotificationKind = "email-confirmation"
	NotifyPasswordReset     NotificationKind = "password-reset"
)

// Notification asks an external notifier to deliver a token to an address.
// The raw token crosses this boundary exactly once, the core never retains
// or re-exposes it.
type Notification struct {
	Kind  NotificationKind
	To    email.Address
	Token Token
}

// Notifier dispatches notifications. Delivery is best-effort and outside
// this core's failure domain: no retries, no delivery confirmation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ErrFunc is a function that handles errors from worker goroutines.
type ErrFunc func(error)

// ServiceConfig is the configuration for the Service. All policy values are
// explicit, nothing is read from ambient global state.
type ServiceConfig struct {
	// WorkerTimeout is the max duration worker goroutines are allowed
	// to take before they are cancelled.
	WorkerTimeout time.Duration
	// SessionTTL is the duration a session is valid, counted from its
	// creation. Activity does not extend it.
	SessionTTL time.Duration
	// ResetTokenTTL is the duration a password reset token is valid.
	// It is deliberately much shorter than SessionTTL.
	ResetTokenTTL time.Duration
	// ConfirmTokenTTL is the duration an email confirmation token is valid.
	ConfirmTokenTTL time.Duration
	// TOTPIssuer is the issuer name used in provisioning URIs.
	TOTPIssuer string
	// TOTP configures code verification.
	TOTP totp.Params
}

// DefaultConfig returns the default policy values.
func DefaultConfig() ServiceConfig {
	return ServiceConfig{
		WorkerTimeout:   10 * time.Second,
		SessionTTL:      60 * 24 * time.Hour,
		ResetTokenTTL:   time.Hour,
		ConfirmTokenTTL: 7 * 24 * time.Hour,
		TOTPIssuer:      "gatehouse",
		TOTP:            totp.DefaultParams(),
	}
}

// Service provides the main rules for authentication. It composes the
// credential, email, session and two-factor subsystems and performs the
// cross-entity cleanups that keep them consistent.
type Service struct {
	store      Store
	notifier   Notifier
	wg         *sync.WaitGroup
	errHandler ErrFunc
	cfg        ServiceConfig

	// comparisonHash is used to compare passwords when no user was found,
	// so unknown addresses take as long as wrong passwords.
	comparisonHash krypto.Argon2Hash

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// NewService creates a new Service on top of the provided store and
// notifier. Async errors are reported to errHandler.
func NewService(s Store, notifier Notifier, errHandler ErrFunc, cfg ServiceConfig) (*Service, error) {
	tok, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	hash, err := krypto.HashArgon2(tok[:])
	if err != nil {
		return nil, err
	}

	svc := &Service{
		store:          s,
		notifier:       notifier,
		wg:             &sync.WaitGroup{},
		errHandler:     errHandler,
		cfg:            cfg,
		comparisonHash: hash,
		NowFunc:        time.Now,
	}

	return svc, nil
}

// Wait waits for all open workers to finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ParseCredentials validates raw registration input and reports all field
// level failures at once, so callers can re-prompt for everything that's
// wrong in one go.
func ParseCredentials(address, password string) (Credentials, error) {
	var invalid errorz.InvalidInput

	addr, err := email.ParseAddress(address)
	if err != nil {
		invalid = append(invalid, errorz.Keyed{Key: "email", Err: err})
	}

	pwd, err := ParsePassword(password)
	if err != nil {
		invalid = append(invalid, errorz.Keyed{Key: "password", Err: err})
	}

	if len(invalid) > 0 {
		return Credentials{}, invalid
	}

	return Credentials{Email: addr, Password: pwd}, nil
}

// RegisterUser registers a new user with the provided credentials.
//
// The user, their unconfirmed email and their credential are created in one
// transaction. The confirmation token is handed to the notifier in a
// separate goroutine; registration does not wait for delivery.
func (s *Service) RegisterUser(ctx context.Context, c Credentials) (*User, error) {
	pwdHash, err := c.Password.Hash()
	if err != nil {
		return nil, err
	}

	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.NowFunc()

	user := User{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	tokenHash := token.Hash()
	mail := Email{
		ID:                    uuid.New(),
		UserID:                user.ID,
		Address:               c.Email,
		ConfirmationTokenHash: &tokenHash,
		TokenIssuedAt:         now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	cred := Credential{
		UserID:       user.ID,
		PasswordHash: pwdHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		if txErr := tx.CreateUser(&user); txErr != nil {
			return txErr
		}

		// The unique index on the normalized address enforces
		// case-insensitive uniqueness inside this transaction, so two
		// concurrent registrations of differing-case duplicates can't
		// both succeed.
		if txErr := tx.CreateEmail(&mail); txErr != nil {
			return mapEmailConstraint(txErr)
		}

		return tx.CreateCredential(&cred)
	})
	if err != nil {
		return nil, err
	}

	s.notifyAsync(Notification{
		Kind:  NotifyEmailConfirmation,
		To:    c.Email,
		Token: token,
	})

	return &user, nil
}

// Authenticate checks the provided credentials and returns the matching
// user. It returns ErrInvalidCredentials for unknown addresses and wrong
// passwords alike, and takes statistically indistinguishable time in both
// cases.
func (s *Service) Authenticate(ctx context.Context, c Credentials) (*User, error) {
	var user *User
	var cred *Credential

	err := s.inTx(ctx, func(tx Tx) error {
		mails, txErr := tx.FindEmails(&EmailFilter{Addresses: []email.Address{c.Email}})
		if txErr != nil {
			return txErr
		}

		if len(mails) != 1 {
			return nil
		}

		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{mails[0].UserID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return nil
		}

		users, txErr := tx.FindUsers(&UserFilter{IDs: []uuid.UUID{mails[0].UserID}})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 {
			return nil
		}

		user = &users[0]
		cred = &creds[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cred == nil {
		// Even without a credential we compare against a dummy hash, so
		// this path takes as long as a real comparison.
		_ = c.Password.Match(s.comparisonHash)
		return nil, ErrInvalidCredentials
	}

	if !c.Password.Match(cred.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// PasswordChange is a pending password change: the descriptor a caller
// builds up before committing to ChangePassword. Creating it performs
// validation only, nothing is mutated.
type PasswordChange struct {
	UserID  uuid.UUID
	Current Password
}

// RequestPasswordChange produces a pending change for the user. The current
// password is carried along and verified when the change is applied.
func (s *Service) RequestPasswordChange(userID uuid.UUID, current Password) *PasswordChange {
	return &PasswordChange{
		UserID:  userID,
		Current: current,
	}
}

// ChangePassword replaces the user's password after verifying the current
// one. On success every session and reset token of the user is removed in
// the same transaction: a leaked old password must not leave live grants
// behind.
func (s *Service) ChangePassword(ctx context.Context, change *PasswordChange, newPwd Password) error {
	newHash, err := newPwd.Hash()
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx Tx) error {
		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{change.UserID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return errorz.ErrNotFound
		}

		if !change.Current.Match(creds[0].PasswordHash) {
			return ErrInvalidCurrentPassword
		}

		return s.replacePassword(tx, &creds[0], newHash)
	})
}

// RequestPasswordReset requests a password reset for the user with the
// provided email address. The main work is done in a separate goroutine and
// no output is returned: callers can't tell whether the address exists, by
// design.
func (s *Service) RequestPasswordReset(ctx context.Context, addr email.Address) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		wCtx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		if err := s.startPasswordReset(wCtx, addr); err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) startPasswordReset(ctx context.Context, addr email.Address) error {
	token, err := GenerateToken()
	if err != nil {
		return err
	}

	reset := ResetToken{
		ID:        uuid.New(),
		TokenHash: token.Hash(),
		CreatedAt: s.NowFunc(),
	}

	err = s.inTx(ctx, func(tx Tx) error {
		mails, txErr := tx.FindEmails(&EmailFilter{Addresses: []email.Address{addr}})
		if txErr != nil {
			return txErr
		}

		if len(mails) != 1 {
			return errorz.ErrNotFound
		}

		reset.UserID = mails[0].UserID
		return tx.CreateResetToken(&reset)
	})
	if err != nil {
		return err
	}

	// Delivery could fail independently of the transaction. That's an
	// acceptable risk: the user can always request another reset.
	return s.notifier.Notify(ctx, Notification{
		Kind:  NotifyPasswordReset,
		To:    addr,
		Token: token,
	})
}

// ResetPassword sets a new password for the user identified by the reset
// token, without requiring the current password. The token must decode,
// match a stored hash and be younger than ResetTokenTTL. On success every
// session and reset token of the user is removed in the same transaction,
// which also makes the used token single use.
func (s *Service) ResetPassword(ctx context.Context, rawToken string, newPwd Password) error {
	token, err := ParseToken(rawToken)
	if err != nil {
		return err
	}

	newHash, err := newPwd.Hash()
	if err != nil {
		return err
	}

	hash := token.Hash()
	return s.inTx(ctx, func(tx Tx) error {
		resets, txErr := tx.FindResetTokens(&ResetTokenFilter{TokenHashes: []TokenHash{hash}})
		if txErr != nil {
			return txErr
		}

		if len(resets) != 1 {
			return errorz.ErrNotFound
		}

		if s.NowFunc().Sub(resets[0].CreatedAt) > s.cfg.ResetTokenTTL {
			return errorz.ErrNotFound
		}

		creds, txErr := tx.FindCredentials(&CredentialFilter{UserIDs: []uuid.UUID{resets[0].UserID}})
		if txErr != nil {
			return txErr
		}

		if len(creds) != 1 {
			return errorz.ErrNotFound
		}

		return s.replacePassword(tx, &creds[0], newHash)
	})
}

// replacePassword stores the new hash and performs the cross-entity
// cleanup. Must run inside the caller's transaction so the cleanup is
// all-or-nothing with the password mutation.
func (s *Service) replacePassword(tx Tx, cred *Credential, newHash krypto.Argon2Hash) error {
	cred.PasswordHash = newHash
	cred.UpdatedAt = s.NowFunc()

	if err := tx.UpdateCredential(cred); err != nil {
		return err
	}

	if err := tx.DeleteSessionsByUser(cred.UserID); err != nil {
		return err
	}

	return tx.DeleteResetTokensByUser(cred.UserID)
}

// notifyAsync hands a notification to the notifier in a worker goroutine.
// Failures go to the error handler, the caller is not kept waiting.
func (s *Service) notifyAsync(n Notification) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerTimeout)
		defer cancel()

		if err := s.notifier.Notify(ctx, n); err != nil {
			s.errHandler(err)
		}
	}()
}

func (s *Service) inTx(ctx context.Context, f func(tx Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}

	err = f(tx)
	if err != nil {
		rBackErr := tx.Rollback()
		if rBackErr != nil {
			err = errors.Join(err, rBackErr)
		}
		return err
	}

	return tx.Commit()
}

// mapEmailConstraint turns a uniqueness violation on the address index into
// the field-level validation error callers can show to the user.
func mapEmailConstraint(err error) error {
	if errors.Is(err, errorz.ErrConstraintViolated) {
		return errorz.InvalidInput{errorz.Keyed{Key: "email", Err: ErrEmailTaken}}
	}
	return err
}

func ptr[T any](v T) *T {
	return &v
}
