package identity

import (
	"context"

	"github.com/google/uuid"
)

// CreateSession creates a session for the user and returns it together with
// the raw token. The raw token is handed to the caller exactly once, only
// its hash is stored.
func (s *Service) CreateSession(ctx context.Context, userID uuid.UUID, client string) (*Session, Token, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, Token{}, err
	}

	now := s.NowFunc()
	session := Session{
		ID:           uuid.New(),
		UserID:       userID,
		Client:       client,
		TokenHash:    token.Hash(),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	err = s.inTx(ctx, func(tx Tx) error {
		return tx.CreateSession(&session)
	})
	if err != nil {
		return nil, Token{}, err
	}

	return &session, token, nil
}

// VerifySession resolves a raw session token to its session.
//
// Expired and unknown tokens both yield errorz.ErrNotFound; input that
// doesn't decode yields ErrInvalidToken without touching the store. On
// success the last-active timestamp is refreshed in the same store
// operation that performs the lookup, so concurrent verifications can't
// race a stale read.
func (s *Service) VerifySession(ctx context.Context, rawToken string) (*Session, error) {
	token, err := ParseToken(rawToken)
	if err != nil {
		return nil, err
	}

	now := s.NowFunc()
	notBefore := now.Add(-s.cfg.SessionTTL)

	var session *Session
	err = s.inTx(ctx, func(tx Tx) error {
		var txErr error
		session, txErr = tx.RefreshSession(token.Hash(), notBefore, now)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return session, nil
}

// DeleteSession logs out the session with the given raw token. It is
// idempotent: deleting an unknown, expired or even undecodable token
// succeeds, since "not logged in" is the desired end state either way.
func (s *Service) DeleteSession(ctx context.Context, rawToken string) error {
	token, err := ParseToken(rawToken)
	if err != nil {
		return nil
	}

	return s.inTx(ctx, func(tx Tx) error {
		return tx.DeleteSession(token.Hash())
	})
}

// DeleteAllSessions revokes every session of the user. It is idempotent on
// zero sessions.
func (s *Service) DeleteAllSessions(ctx context.Context, userID uuid.UUID) error {
	return s.inTx(ctx, func(tx Tx) error {
		return tx.DeleteSessionsByUser(userID)
	})
}
