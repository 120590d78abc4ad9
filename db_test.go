package ocsync_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ocsync/ocsync"
	"github.com/ocsync/ocsync/internal/testingutil"
)

func TestDB_Open(t *testing.T) {
	t.Run("Create", func(t *testing.T) {
		schema := testingutil.NewSchema()
		db := testingutil.MustOpenDB(t, schema)
		defer testingutil.MustCloseDB(t, db)

		if _, err := os.Stat(db.Path()); err != nil {
			t.Fatalf("expected database file: %s", err)
		}
		if v, err := db.Version(context.Background()); err != nil {
			t.Fatal(err)
		} else if got, want := v, schema.SchemaVersion; got != want {
			t.Fatalf("Version()=%d, want %d", got, want)
		}
	})

	t.Run("AlreadyOpen", func(t *testing.T) {
		db := testingutil.MustOpenDB(t, testingutil.NewSchema())
		defer testingutil.MustCloseDB(t, db)

		if err := db.Open(context.Background()); ocsync.ErrorCodeOf(err) != ocsync.ErrCodeAlreadyOpen {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Reopen", func(t *testing.T) {
		schema := testingutil.NewSchema()
		db := testingutil.MustOpenDB(t, schema)
		path := db.Path()
		testingutil.MustCloseDB(t, db)

		db = ocsync.NewDB(path, schema)
		if err := db.Open(context.Background()); err != nil {
			t.Fatal(err)
		}
		defer testingutil.MustCloseDB(t, db)

		if v, err := db.Version(context.Background()); err != nil {
			t.Fatal(err)
		} else if v != schema.SchemaVersion {
			t.Fatalf("Version()=%d, want %d", v, schema.SchemaVersion)
		}
	})
}

func TestDB_Upgrade(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	v1 := testingutil.NewSchema()
	db := ocsync.NewDB(path, v1)
	if err := db.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(context.Background(), `INSERT INTO t (id, name) VALUES (1, 'one')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen two versions ahead; both steps must apply in order.
	v3 := testingutil.NewSchema()
	v3.SchemaVersion = 3
	v3.Tables = []string{
		`CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '', tag TEXT NOT NULL DEFAULT '', n INTEGER NOT NULL DEFAULT 0)`,
	}
	v3.Steps = []ocsync.Migration{
		{Version: 2, Statements: []string{`ALTER TABLE t ADD COLUMN tag TEXT NOT NULL DEFAULT ''`}},
		{
			Version: 3,
			Migrate: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`ALTER TABLE t ADD COLUMN n INTEGER NOT NULL DEFAULT 0`); err != nil {
					return err
				}
				_, err := tx.Exec(`UPDATE t SET n = length(name)`)
				return err
			},
		},
	}

	db = ocsync.NewDB(path, v3)
	if err := db.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer testingutil.MustCloseDB(t, db)

	if v, err := db.Version(context.Background()); err != nil {
		t.Fatal(err)
	} else if v != 3 {
		t.Fatalf("Version()=%d, want 3", v)
	}

	var tag string
	var n int
	if found, err := db.FetchOne(context.Background(),
		`SELECT tag, n FROM t WHERE id = 1`, nil,
		func(row *sql.Row) error { return row.Scan(&tag, &n) },
	); err != nil {
		t.Fatal(err)
	} else if !found {
		t.Fatal("expected row to survive upgrade")
	}
	if tag != "" || n != 3 {
		t.Fatalf("tag=%q n=%d, want backfilled n=3", tag, n)
	}
}

func TestDB_Downgrade(t *testing.T) {
	schema := testingutil.NewSchema()
	schema.SchemaVersion = 2
	schema.Steps = []ocsync.Migration{{Version: 2, Statements: []string{`ALTER TABLE t ADD COLUMN tag TEXT NOT NULL DEFAULT ''`}}}
	db := testingutil.MustOpenDB(t, schema)
	path := db.Path()
	testingutil.MustCloseDB(t, db)

	old := testingutil.NewSchema()
	db = ocsync.NewDB(path, old)
	if err := db.Open(context.Background()); ocsync.ErrorCodeOf(err) != ocsync.ErrCodeUpgrade {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDB_CommitHookOrder(t *testing.T) {
	schema := testingutil.NewSchema()
	db := testingutil.MustOpenDB(t, schema)
	defer testingutil.MustCloseDB(t, db)
	schema.ResetCalls()

	ctx := context.Background()
	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO t (id, name) VALUES (1, 'one')`); err != nil {
		t.Fatal(err)
	}
	if err := db.Commit(); err != nil {
		t.Fatal(err)
	}

	want := []string{"prepare-commit", "committed-pre-unlock", "committed-post-unlock"}
	if got := schema.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("hook order=%v, want %v", got, want)
	}
}

func TestDB_Rollback(t *testing.T) {
	schema := testingutil.NewSchema()
	db := testingutil.MustOpenDB(t, schema)
	defer testingutil.MustCloseDB(t, db)
	schema.ResetCalls()

	ctx := context.Background()
	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(ctx, `INSERT INTO t (id, name) VALUES (1, 'one')`); err != nil {
		t.Fatal(err)
	}

	// Uncommitted state is visible inside the transaction.
	var n int
	if _, err := db.FetchOne(ctx, `SELECT COUNT(*) FROM t`, nil,
		func(row *sql.Row) error { return row.Scan(&n) }); err != nil {
		t.Fatal(err)
	} else if n != 1 {
		t.Fatalf("in-tx count=%d, want 1", n)
	}

	if err := db.Rollback(); err != nil {
		t.Fatal(err)
	}

	if _, err := db.FetchOne(ctx, `SELECT COUNT(*) FROM t`, nil,
		func(row *sql.Row) error { return row.Scan(&n) }); err != nil {
		t.Fatal(err)
	} else if n != 0 {
		t.Fatalf("post-rollback count=%d, want 0", n)
	}

	for _, call := range schema.Calls() {
		if call == "prepare-commit" || call == "committed-pre-unlock" || call == "committed-post-unlock" {
			t.Fatalf("commit hook %q fired for rolled-back transaction", call)
		}
	}
}

func TestDB_BeginTwice(t *testing.T) {
	db := testingutil.MustOpenDB(t, testingutil.NewSchema())
	defer testingutil.MustCloseDB(t, db)

	ctx := context.Background()
	if err := db.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	defer db.Rollback()

	if err := db.Begin(ctx); ocsync.ErrorCodeOf(err) != ocsync.ErrCodeTransaction {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDB_Fetch(t *testing.T) {
	db := testingutil.MustOpenDB(t, testingutil.NewSchema())
	defer testingutil.MustCloseDB(t, db)

	ctx := context.Background()
	for i, name := range []string{"one", "two", "three"} {
		if _, err := db.Exec(ctx, `INSERT INTO t (id, name) VALUES (?, ?)`, i+1, name); err != nil {
			t.Fatal(err)
		}
	}

	var names []string
	if err := db.Fetch(ctx, `SELECT name FROM t ORDER BY id`, nil, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if want := []string{"one", "two", "three"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names=%v, want %v", names, want)
	}

	if found, err := db.FetchOne(ctx, `SELECT name FROM t WHERE id = 99`, nil,
		func(row *sql.Row) error { return row.Scan(new(string)) }); err != nil {
		t.Fatal(err)
	} else if found {
		t.Fatal("expected found=false for missing row")
	}
}

func TestDB_NotOpen(t *testing.T) {
	db := testingutil.NewDB(t, testingutil.NewSchema())
	if err := db.Begin(context.Background()); ocsync.ErrorCodeOf(err) != ocsync.ErrCodeNotOpen {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := db.Exec(context.Background(), `SELECT 1`); ocsync.ErrorCodeOf(err) != ocsync.ErrCodeNotOpen {
		t.Fatalf("unexpected error: %v", err)
	}
}
