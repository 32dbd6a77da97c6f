package migrate_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/mkamstra/gatehouse/internal/db/migrate"
	"github.com/mkamstra/gatehouse/internal/db/testdb"
)

func Test_RunFS(t *testing.T) {
	t.Run("ok, empty filesystem", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		got, err := migrate.RunFS(context.Background(), db, fstest.MapFS{}, testMeta("v1.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		assertMigrations(t, got, []migrate.Migration{})
		assertTable(t, db, []migrate.Migration{})
	})

	t.Run("ok, runs migrations in filename order", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		fileSys := fstest.MapFS{
			"0001_create_things.sql": sqlFile(`CREATE TABLE things (id INTEGER PRIMARY KEY)`),
			"0002_add_thing.sql":     sqlFile(`INSERT INTO things (id) VALUES (1)`),
			"README.md":              sqlFile(`not a migration`),
		}

		got, err := migrate.RunFS(context.Background(), db, fileSys, testMeta("v1.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := []migrate.Migration{
			{Sequence: 0, Filename: "0001_create_things.sql", Metadata: testMeta("v1.0.0")},
			{Sequence: 1, Filename: "0002_add_thing.sql", Metadata: testMeta("v1.0.0")},
		}

		assertMigrations(t, got, want)
		assertTable(t, db, want)
	})

	t.Run("ok, only pending migrations run on the second pass", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		fileSys := fstest.MapFS{
			"0001_create_things.sql": sqlFile(`CREATE TABLE things (id INTEGER PRIMARY KEY)`),
		}

		_, err := migrate.RunFS(context.Background(), db, fileSys, testMeta("v1.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		fileSys["0002_add_thing.sql"] = sqlFile(`INSERT INTO things (id) VALUES (1)`)

		got, err := migrate.RunFS(context.Background(), db, fileSys, testMeta("v2.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		assertMigrations(t, got, []migrate.Migration{
			{Sequence: 1, Filename: "0002_add_thing.sql", Metadata: testMeta("v2.0.0")},
		})

		assertTable(t, db, []migrate.Migration{
			{Sequence: 0, Filename: "0001_create_things.sql", Metadata: testMeta("v1.0.0")},
			{Sequence: 1, Filename: "0002_add_thing.sql", Metadata: testMeta("v2.0.0")},
		})
	})

	t.Run("fail, previously ran migration was renamed", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		_, err := migrate.RunFS(context.Background(), db, fstest.MapFS{
			"0001_create_things.sql": sqlFile(`CREATE TABLE things (id INTEGER PRIMARY KEY)`),
		}, testMeta("v1.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err = migrate.RunFS(context.Background(), db, fstest.MapFS{
			"0001_create_stuff.sql": sqlFile(`CREATE TABLE stuff (id INTEGER PRIMARY KEY)`),
		}, testMeta("v1.0.0"))
		if !errors.Is(err, migrate.ErrMigrationsMismatch) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", migrate.ErrMigrationsMismatch, err)
		}
	})

	t.Run("fail, previously ran migration was removed", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		_, err := migrate.RunFS(context.Background(), db, fstest.MapFS{
			"0001_create_things.sql": sqlFile(`CREATE TABLE things (id INTEGER PRIMARY KEY)`),
		}, testMeta("v1.0.0"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err = migrate.RunFS(context.Background(), db, fstest.MapFS{}, testMeta("v1.0.0"))
		if !errors.Is(err, migrate.ErrMigrationsMismatch) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", migrate.ErrMigrationsMismatch, err)
		}
	})

	t.Run("fail, broken migration rolls everything back", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		fileSys := fstest.MapFS{
			"0001_create_things.sql": sqlFile(`CREATE TABLE things (id INTEGER PRIMARY KEY)`),
			"0002_broken.sql":        sqlFile(`THIS IS NOT SQL`),
		}

		_, err := migrate.RunFS(context.Background(), db, fileSys, testMeta("v1.0.0"))

		var migErr migrate.MigrationError
		if !errors.As(err, &migErr) {
			t.Fatalf("expected a MigrationError, got %v", err)
		}

		if migErr.Sequence != 1 || migErr.Filename != "0002_broken.sql" {
			t.Fatalf("unexpected migration error: %+v", migErr)
		}

		// Nothing ran, not even the valid first migration.
		_, err = migrate.QueryMigrations(context.Background(), db)
		if !errors.Is(err, migrate.ErrNoTable) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", migrate.ErrNoTable, err)
		}
	})
}

func Test_QueryMigrations(t *testing.T) {
	t.Run("fail, no migrations table", func(t *testing.T) {
		db := testdb.RunUnmigratedWhile(t, true)

		_, err := migrate.QueryMigrations(context.Background(), db)
		if !errors.Is(err, migrate.ErrNoTable) {
			t.Fatalf("expected error %v, got %v (via errors.Is)", migrate.ErrNoTable, err)
		}
	})
}

func testMeta(version string) migrate.Metadata {
	return migrate.Metadata{
		AppVersion: version,
		Timestamp:  time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC),
	}
}

func sqlFile(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

func assertMigrations(t *testing.T, got, want []migrate.Migration) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("got %d migrations, want %d", len(got), len(want))
	}

	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("migration %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func assertTable(t *testing.T, db *sql.DB, want []migrate.Migration) {
	t.Helper()

	got, err := migrate.QueryMigrations(context.Background(), db)
	if err != nil {
		if len(want) == 0 && errors.Is(err, migrate.ErrNoTable) {
			return
		}
		t.Fatalf("failed to query migrations: %v", err)
	}

	assertMigrations(t, got, want)
}
