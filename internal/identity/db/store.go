// Package db implements the identity store on top of SQLite.
//
// Email addresses and TOTP secrets are encrypted at rest. Addresses are
// additionally indexed by a deterministic keyed hash of their normalized
// form, which doubles as the case-insensitive uniqueness constraint.
package db

import (
	"context"
	"database/sql"

	"github.com/mkamstra/gatehouse/internal/db"
	"github.com/mkamstra/gatehouse/internal/identity"
	"github.com/mkamstra/gatehouse/internal/krypto"
)

// Store is responsible for interacting with the database.
type Store struct {
	db        *sql.DB
	encryptor *krypto.Encryptor
	indexKey  krypto.Key
}

// New creates a new Store.
func New(sqlDB *sql.DB, encryptor *krypto.Encryptor, indexKey krypto.Key) *Store {
	return &Store{
		db:        sqlDB,
		encryptor: encryptor,
		indexKey:  indexKey,
	}
}

func (s *Store) newQuery() db.Query {
	return db.Query{
		Encryptor: s.encryptor,
		IndexKey:  s.indexKey,
	}
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (identity.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		tx:    tx,
		store: s,
	}, nil
}
