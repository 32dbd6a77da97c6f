package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/email"
	"github.com/mkamstra/gatehouse/internal/errorz"
)

// ErrOnlyEmail is the policy refusal for removing a user's last usable
// address: their only email, or their only confirmed one.
var ErrOnlyEmail = errors.New("cannot remove the only email address")

// RegisterEmail adds an additional, unconfirmed address to the user. The
// confirmation token is handed to the notifier asynchronously.
func (s *Service) RegisterEmail(ctx context.Context, userID uuid.UUID, addr email.Address) (*Email, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	now := s.NowFunc()
	tokenHash := token.Hash()
	mail := Email{
		ID:                    uuid.New(),
		UserID:                userID,
		Address:               addr,
		ConfirmationTokenHash: &tokenHash,
		TokenIssuedAt:         now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		users, txErr := tx.FindUsers(&UserFilter{IDs: []uuid.UUID{userID}})
		if txErr != nil {
			return txErr
		}

		if len(users) != 1 {
			return errorz.ErrNotFound
		}

		return mapEmailConstraint(tx.CreateEmail(&mail))
	})
	if err != nil {
		return nil, err
	}

	s.notifyAsync(Notification{
		Kind:  NotifyEmailConfirmation,
		To:    addr,
		Token: token,
	})

	return &mail, nil
}

// ConfirmEmail confirms the address the token was issued for.
//
// It returns ErrInvalidToken for input that doesn't decode, and
// errorz.ErrNotFound when no matching unconsumed token exists or the token
// is past ConfirmTokenTTL. On success the stored hash is cleared, so the
// token can't confirm anything twice.
func (s *Service) ConfirmEmail(ctx context.Context, rawToken string) (*Email, error) {
	token, err := ParseToken(rawToken)
	if err != nil {
		return nil, err
	}

	hash := token.Hash()

	var confirmed *Email
	err = s.inTx(ctx, func(tx Tx) error {
		mails, txErr := tx.FindEmails(&EmailFilter{TokenHashes: []TokenHash{hash}})
		if txErr != nil {
			return txErr
		}

		if len(mails) != 1 {
			return errorz.ErrNotFound
		}

		now := s.NowFunc()
		mail := mails[0]

		if now.Sub(mail.TokenIssuedAt) > s.cfg.ConfirmTokenTTL {
			return errorz.ErrNotFound
		}

		mail.ConfirmedAt = ptr(now)
		mail.ConfirmationTokenHash = nil
		mail.UpdatedAt = now

		if txErr := tx.UpdateEmail(&mail); txErr != nil {
			return txErr
		}

		confirmed = &mail
		return nil
	})
	if err != nil {
		return nil, err
	}

	return confirmed, nil
}

// RemoveEmail deletes one of the user's addresses.
//
// It refuses with ErrOnlyEmail when the address is the user's only one, or
// their only confirmed one while unconfirmed addresses remain. It returns
// errorz.ErrNotFound when the address doesn't belong to the user.
func (s *Service) RemoveEmail(ctx context.Context, userID uuid.UUID, addr email.Address) error {
	return s.inTx(ctx, func(tx Tx) error {
		mails, err := tx.FindEmails(&EmailFilter{UserIDs: []uuid.UUID{userID}})
		if err != nil {
			return err
		}

		var target *Email
		confirmedOthers := 0
		for i := range mails {
			if mails[i].Address.Normalized() == addr.Normalized() {
				target = &mails[i]
				continue
			}
			if mails[i].IsConfirmed() {
				confirmedOthers++
			}
		}

		if target == nil {
			return errorz.ErrNotFound
		}

		if len(mails) == 1 {
			return ErrOnlyEmail
		}

		if target.IsConfirmed() && confirmedOthers == 0 {
			return ErrOnlyEmail
		}

		return tx.DeleteEmail(target.ID)
	})
}
