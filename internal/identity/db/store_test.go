package db_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkamstra/gatehouse/internal/db/testdb"
	"github.com/mkamstra/gatehouse/internal/email"
	"github.com/mkamstra/gatehouse/internal/errorz"
	"github.com/mkamstra/gatehouse/internal/identity"
	"github.com/mkamstra/gatehouse/internal/identity/db"
	"github.com/mkamstra/gatehouse/internal/krypto"
)

func Test_Tx_CreateAndFindUsers(t *testing.T) {
	t.Run("ok, create and find user", func(t *testing.T) {
		tx := txForTest(t)

		user := testUser()
		if err := tx.CreateUser(&user); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}

		got, err := tx.FindUsers(&identity.UserFilter{IDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find users: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], user) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.User{user})
		}
	})

	t.Run("ok, no match returns empty slice", func(t *testing.T) {
		tx := txForTest(t)

		got, err := tx.FindUsers(&identity.UserFilter{IDs: []uuid.UUID{uuid.New()}})
		if err != nil {
			t.Fatalf("failed to find users: %v", err)
		}

		if len(got) != 0 {
			t.Errorf("expected no users, got %d", len(got))
		}
	})

	t.Run("fail, zero uuid", func(t *testing.T) {
		tx := txForTest(t)

		user := testUser()
		user.ID = uuid.Nil

		err := tx.CreateUser(&user)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})
}

func Test_Tx_Emails(t *testing.T) {
	t.Run("ok, create and find email", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		mail := testEmail(user.ID, "Jacob@Example.com")
		if err := tx.CreateEmail(&mail); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		got, err := tx.FindEmails(&identity.EmailFilter{IDs: []uuid.UUID{mail.ID}})
		if err != nil {
			t.Fatalf("failed to find emails: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], mail) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Email{mail})
		}
	})

	t.Run("ok, lookup by address is case-insensitive", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		mail := testEmail(user.ID, "Jacob@Example.com")
		if err := tx.CreateEmail(&mail); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		addr := must(email.ParseAddress("jacob@example.COM"))
		got, err := tx.FindEmails(&identity.EmailFilter{Addresses: []email.Address{addr}})
		if err != nil {
			t.Fatalf("failed to find emails: %v", err)
		}

		if len(got) != 1 || got[0].ID != mail.ID {
			t.Fatalf("expected to find email %v, got %#v", mail.ID, got)
		}

		// The stored casing is preserved.
		if got[0].Address != mail.Address {
			t.Errorf("expected address %v, got %v", mail.Address, got[0].Address)
		}
	})

	t.Run("ok, filter by confirmation state", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		unconfirmed := testEmail(user.ID, "one@example.com")
		if err := tx.CreateEmail(&unconfirmed); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		confirmed := testEmail(user.ID, "two@example.com")
		confirmed.ConfirmationTokenHash = nil
		confirmed.ConfirmedAt = ptrTime(testTime(2))
		if err := tx.CreateEmail(&confirmed); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		isConfirmed := true
		got, err := tx.FindEmails(&identity.EmailFilter{
			UserIDs:     []uuid.UUID{user.ID},
			IsConfirmed: &isConfirmed,
		})
		if err != nil {
			t.Fatalf("failed to find emails: %v", err)
		}

		if len(got) != 1 || got[0].ID != confirmed.ID {
			t.Fatalf("expected to find email %v, got %#v", confirmed.ID, got)
		}
	})

	t.Run("ok, update email", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		mail := testEmail(user.ID, "jacob@example.com")
		if err := tx.CreateEmail(&mail); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		mail.ConfirmationTokenHash = nil
		mail.ConfirmedAt = ptrTime(testTime(3))
		mail.UpdatedAt = testTime(3)

		if err := tx.UpdateEmail(&mail); err != nil {
			t.Fatalf("failed to update email: %v", err)
		}

		got, err := tx.FindEmails(&identity.EmailFilter{IDs: []uuid.UUID{mail.ID}})
		if err != nil {
			t.Fatalf("failed to find emails: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], mail) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Email{mail})
		}
	})

	t.Run("ok, delete email", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		mail := testEmail(user.ID, "jacob@example.com")
		if err := tx.CreateEmail(&mail); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		if err := tx.DeleteEmail(mail.ID); err != nil {
			t.Fatalf("failed to delete email: %v", err)
		}

		err := tx.DeleteEmail(mail.ID)
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})

	t.Run("fail, duplicate address with different casing", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		first := testEmail(user.ID, "jacob@example.com")
		if err := tx.CreateEmail(&first); err != nil {
			t.Fatalf("failed to create email: %v", err)
		}

		second := testEmail(user.ID, "JACOB@example.com")
		err := tx.CreateEmail(&second)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})

	t.Run("fail, update unknown email", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		mail := testEmail(user.ID, "jacob@example.com")

		err := tx.UpdateEmail(&mail)
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})
}

func Test_Tx_Credentials(t *testing.T) {
	t.Run("ok, create and find credential", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		got, err := tx.FindCredentials(&identity.CredentialFilter{UserIDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find credentials: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], cred) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Credential{cred})
		}
	})

	t.Run("ok, totp secret round trips encrypted", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		cred.TOTPSecret = []byte("12345678901234567890")
		cred.LastUsedStep = ptrInt64(42)

		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		got, err := tx.FindCredentials(&identity.CredentialFilter{UserIDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find credentials: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], cred) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Credential{cred})
		}
	})

	t.Run("ok, update credential", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		cred.TOTPSecret = []byte("12345678901234567890")
		cred.UpdatedAt = testTime(5)

		if err := tx.UpdateCredential(&cred); err != nil {
			t.Fatalf("failed to update credential: %v", err)
		}

		got, err := tx.FindCredentials(&identity.CredentialFilter{UserIDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find credentials: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], cred) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Credential{cred})
		}
	})

	t.Run("fail, second credential for the same user", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		err := tx.CreateCredential(&cred)
		if !errors.Is(err, errorz.ErrConstraintViolated) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrConstraintViolated, err)
		}
	})
}

func Test_Tx_AdvanceLastUsedStep(t *testing.T) {
	t.Run("ok, marker only moves forward", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		steps := []struct {
			step int64
			want bool
		}{
			{step: 10, want: true},  // from empty marker
			{step: 10, want: false}, // same step is a replay
			{step: 9, want: false},  // going back is a replay
			{step: 11, want: true},  // forward is fine
		}

		for _, s := range steps {
			got, err := tx.AdvanceLastUsedStep(user.ID, s.step)
			if err != nil {
				t.Fatalf("failed to advance step to %d: %v", s.step, err)
			}
			if got != s.want {
				t.Errorf("advance to %d: want %v, got %v", s.step, s.want, got)
			}
		}
	})

	t.Run("ok, unknown user does not advance", func(t *testing.T) {
		tx := txForTest(t)

		got, err := tx.AdvanceLastUsedStep(uuid.New(), 10)
		if err != nil {
			t.Fatalf("failed to advance step: %v", err)
		}
		if got {
			t.Errorf("expected no advance for unknown user")
		}
	})
}

func Test_Tx_Sessions(t *testing.T) {
	t.Run("ok, create and find session", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		session := testSession(t, user.ID)
		if err := tx.CreateSession(&session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		got, err := tx.FindSessions(&identity.SessionFilter{TokenHashes: []identity.TokenHash{session.TokenHash}})
		if err != nil {
			t.Fatalf("failed to find sessions: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], session) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.Session{session})
		}
	})

	t.Run("ok, refresh session", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		session := testSession(t, user.ID)
		if err := tx.CreateSession(&session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		notBefore := session.CreatedAt.Add(-time.Hour)
		now := testTime(8)

		got, err := tx.RefreshSession(session.TokenHash, notBefore, now)
		if err != nil {
			t.Fatalf("failed to refresh session: %v", err)
		}

		if got.ID != session.ID || !got.LastActiveAt.Equal(now) {
			t.Errorf("unexpected session: %#v", got)
		}
	})

	t.Run("ok, session created exactly at notBefore", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		session := testSession(t, user.ID)
		if err := tx.CreateSession(&session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		// The boundary itself is still inside the lifetime.
		got, err := tx.RefreshSession(session.TokenHash, session.CreatedAt, testTime(8))
		if err != nil {
			t.Fatalf("failed to refresh session: %v", err)
		}

		if got.ID != session.ID {
			t.Errorf("unexpected session: %#v", got)
		}
	})

	t.Run("fail, session created before notBefore", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		session := testSession(t, user.ID)
		if err := tx.CreateSession(&session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		_, err := tx.RefreshSession(session.TokenHash, session.CreatedAt.Add(time.Second), testTime(8))
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})

	t.Run("fail, unknown token hash", func(t *testing.T) {
		tx := txForTest(t)

		_, err := tx.RefreshSession(testTokenHash(t), testTime(0), testTime(1))
		if !errors.Is(err, errorz.ErrNotFound) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", errorz.ErrNotFound, err)
		}
	})

	t.Run("ok, delete session is idempotent", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		session := testSession(t, user.ID)
		if err := tx.CreateSession(&session); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}

		if err := tx.DeleteSession(session.TokenHash); err != nil {
			t.Fatalf("failed to delete session: %v", err)
		}

		if err := tx.DeleteSession(session.TokenHash); err != nil {
			t.Fatalf("failed to delete session twice: %v", err)
		}
	})

	t.Run("ok, delete sessions by user", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		for i := 0; i < 2; i++ {
			session := testSession(t, user.ID)
			if err := tx.CreateSession(&session); err != nil {
				t.Fatalf("failed to create session: %v", err)
			}
		}

		if err := tx.DeleteSessionsByUser(user.ID); err != nil {
			t.Fatalf("failed to delete sessions: %v", err)
		}

		got, err := tx.FindSessions(&identity.SessionFilter{UserIDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find sessions: %v", err)
		}

		if len(got) != 0 {
			t.Errorf("expected no sessions, got %d", len(got))
		}
	})
}

func Test_Tx_ResetTokens(t *testing.T) {
	t.Run("ok, create, find and delete reset tokens", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		reset := identity.ResetToken{
			ID:        uuid.New(),
			UserID:    user.ID,
			TokenHash: testTokenHash(t),
			CreatedAt: testTime(0),
		}

		if err := tx.CreateResetToken(&reset); err != nil {
			t.Fatalf("failed to create reset token: %v", err)
		}

		got, err := tx.FindResetTokens(&identity.ResetTokenFilter{TokenHashes: []identity.TokenHash{reset.TokenHash}})
		if err != nil {
			t.Fatalf("failed to find reset tokens: %v", err)
		}

		if len(got) != 1 || !reflect.DeepEqual(got[0], reset) {
			t.Errorf("got\n%#v\nwant\n%#v\n", got, []identity.ResetToken{reset})
		}

		if err := tx.DeleteResetTokensByUser(user.ID); err != nil {
			t.Fatalf("failed to delete reset tokens: %v", err)
		}

		got, err = tx.FindResetTokens(&identity.ResetTokenFilter{UserIDs: []uuid.UUID{user.ID}})
		if err != nil {
			t.Fatalf("failed to find reset tokens: %v", err)
		}

		if len(got) != 0 {
			t.Errorf("expected no reset tokens, got %d", len(got))
		}
	})
}

func Test_Tx_BackupCodes(t *testing.T) {
	t.Run("ok, replace, find and consume", func(t *testing.T) {
		tx := txForTest(t)
		user := createUser(t, tx)

		cred := testCredential(t, user.ID)
		if err := tx.CreateCredential(&cred); err != nil {
			t.Fatalf("failed to create credential: %v", err)
		}

		codes := []identity.BackupCode{
			{UserID: user.ID, CodeHash: testTokenHash(t), CreatedAt: testTime(0)},
			{UserID: user.ID, CodeHash: testTokenHash(t), CreatedAt: testTime(0)},
		}

		if err := tx.ReplaceBackupCodes(user.ID, codes); err != nil {
			t.Fatalf("failed to replace backup codes: %v", err)
		}

		got, err := tx.FindBackupCodes(user.ID)
		if err != nil {
			t.Fatalf("failed to find backup codes: %v", err)
		}

		if len(got) != 2 {
			t.Fatalf("expected 2 backup codes, got %d", len(got))
		}

		ok, err := tx.ConsumeBackupCode(user.ID, codes[0].CodeHash)
		if err != nil {
			t.Fatalf("failed to consume backup code: %v", err)
		}
		if !ok {
			t.Fatalf("expected backup code to be consumed")
		}

		// Consuming again fails, the code is gone.
		ok, err = tx.ConsumeBackupCode(user.ID, codes[0].CodeHash)
		if err != nil {
			t.Fatalf("failed to consume backup code: %v", err)
		}
		if ok {
			t.Fatalf("expected consumed backup code to be gone")
		}

		// Replacing with nil clears the pool.
		if err := tx.ReplaceBackupCodes(user.ID, nil); err != nil {
			t.Fatalf("failed to clear backup codes: %v", err)
		}

		got, err = tx.FindBackupCodes(user.ID)
		if err != nil {
			t.Fatalf("failed to find backup codes: %v", err)
		}

		if len(got) != 0 {
			t.Errorf("expected no backup codes, got %d", len(got))
		}
	})
}

func storeForTest(t *testing.T) *db.Store {
	t.Helper()

	encryptor := must(krypto.NewEncryptor([]krypto.Key{
		must(krypto.ParseKey("2b671594b775f371eab4050b4d58326682df6b1a6cc2e886717b1a26b4d6c45d")),
	}))

	indexKey := must(krypto.ParseKey("90303dfed7994260ea4817a5ca8a392915cd401115b2f97495dadfcbcd14adbf"))

	testDB := testdb.RunWhile(t, true)

	return db.New(testDB, encryptor, indexKey)
}

func txForTest(t *testing.T) identity.Tx {
	t.Helper()

	store := storeForTest(t)

	tx, err := store.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}

	t.Cleanup(func() {
		if err := tx.Rollback(); err != nil {
			t.Logf("rollback: %v", err)
		}
	})

	return tx
}

func createUser(t *testing.T, tx identity.Tx) identity.User {
	t.Helper()

	user := testUser()
	if err := tx.CreateUser(&user); err != nil {
		t.Fatalf("failed to create user: %v", err)
	}

	return user
}

func testTime(i int) time.Time {
	return time.Date(2026, 8, 14, 10, 30, i, 0, time.UTC)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func ptrInt64(v int64) *int64 {
	return &v
}

func testUser() identity.User {
	return identity.User{
		ID:        uuid.New(),
		CreatedAt: testTime(0),
		UpdatedAt: testTime(0),
	}
}

func testEmail(userID uuid.UUID, addr string) identity.Email {
	hash := newTokenHash()

	return identity.Email{
		ID:                    uuid.New(),
		UserID:                userID,
		Address:               must(email.ParseAddress(addr)),
		ConfirmationTokenHash: &hash,
		TokenIssuedAt:         testTime(0),
		CreatedAt:             testTime(0),
		UpdatedAt:             testTime(0),
	}
}

func testCredential(t *testing.T, userID uuid.UUID) identity.Credential {
	t.Helper()

	hash, err := krypto.ParseArgon2Hash("$argon2id$v=19$m=47104,t=1,p=1$CkX5zzYLJMWm0y/17eScyw$Qfah+NewdsdeF0+iV72mShZhRO93Qwzdj17TUZCH6ZU")
	if err != nil {
		t.Fatalf("failed to parse hash: %v", err)
	}

	return identity.Credential{
		UserID:       userID,
		PasswordHash: hash,
		CreatedAt:    testTime(0),
		UpdatedAt:    testTime(0),
	}
}

func testSession(t *testing.T, userID uuid.UUID) identity.Session {
	t.Helper()

	return identity.Session{
		ID:           uuid.New(),
		UserID:       userID,
		Client:       "Mozilla/5.0",
		TokenHash:    testTokenHash(t),
		CreatedAt:    testTime(0),
		LastActiveAt: testTime(0),
	}
}

func testTokenHash(t *testing.T) identity.TokenHash {
	t.Helper()
	return newTokenHash()
}

func newTokenHash() identity.TokenHash {
	token, err := identity.GenerateToken()
	if err != nil {
		panic(err)
	}
	return token.Hash()
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
