package errorz

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a referenced entity does not exist. Lookups for
	// tokens and email addresses return ErrNotFound both when nothing exists
	// and when the entity belongs to someone else, so callers can't probe
	// for existence.
	ErrNotFound = errors.New("not found")
	// ErrConstraintViolated indicates a storage constraint was violated.
	ErrConstraintViolated = errors.New("constraint violated")
	// ErrTxBadState indicates a transaction is in a known bad state.
	ErrTxBadState = errors.New("transaction is in a known bad state")
)

// MapDBErr maps database errors to appropriate errorz errors.
// If err is nil, MapDBErr returns nil.
func MapDBErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	sErr := sqlite3.Error{}
	if errors.As(err, &sErr) {
		if sErr.Code == sqlite3.ErrConstraint {
			return ErrConstraintViolated
		}
	}

	return err
}
