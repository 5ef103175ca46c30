package migrate

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectLedger(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func ledgerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "checksum", "applied_at"})
}

func TestEmbeddedScripts(t *testing.T) {
	ups, err := fs.Glob(Embedded, "sql/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	for _, up := range ups {
		_, err := fs.Stat(Embedded, strings.TrimSuffix(up, ".up.sql")+".down.sql")
		require.NoError(t, err, "down migration for %s", up)
	}

	seed, err := fs.ReadFile(Embedded, "seeds/0001_roles.sql")
	require.NoError(t, err)
	for _, role := range []string{"Super Admin", "Company Admin", "Doctor", "Embryologist", "Nurse"} {
		require.Contains(t, string(seed), role)
	}
}

func TestUpAppliesPendingWithChecksum(t *testing.T) {
	db, mock := newMock(t)
	a := []byte("create table a (id int); insert into a values (1);")
	b := []byte("create table b (note text default 'x;y');")
	fsys := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: a},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: b},
	}

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(ledgerRows().AddRow("0001_a.up.sql", checksum(a), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec(`select pg_advisory_xact_lock\(\$1\)`).WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select checksum from schema_migrations where name = \$1`).
		WithArgs("0002_b.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}))
	mock.ExpectExec(`create table b \(note text default 'x;y'\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", checksum(b), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, fsys, "m", "").Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpSkipsScriptRecordedByConcurrentRun(t *testing.T) {
	db, mock := newMock(t)
	body := []byte("create table a (id int);")
	fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: body}}

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").WillReturnRows(ledgerRows())
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select checksum from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow(checksum(body)))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, fsys, "m", "").Up(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpRejectsModifiedMigration(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: []byte("create table a (id bigint);")}}

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(ledgerRows().AddRow("0001_a.up.sql", checksum([]byte("create table a (id int);")), time.Now()))

	err := NewManager(db, fsys, "m", "").Up(context.Background())
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingIgnoresLegacyRowsWithoutChecksum(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"m/0001_a.up.sql": {Data: []byte("select 1;")},
		"m/0002_b.up.sql": {Data: []byte("select 2;")},
		"m/README.md":     {Data: []byte("not sql")},
	}

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(ledgerRows().AddRow("0001_a.up.sql", "", time.Now()))

	pending, err := NewManager(db, fsys, "m", "").Pending(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0002_b.up.sql"}, pending)
}

func TestDownRevertsLatest(t *testing.T) {
	db, mock := newMock(t)
	fsys := fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql":   {Data: []byte("create table b (id int);")},
		"m/0002_b.down.sql": {Data: []byte("drop table b;")},
	}
	now := time.Now()

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations order by applied_at").
		WillReturnRows(ledgerRows().
			AddRow("0001_a.up.sql", "", now.Add(-time.Hour)).
			AddRow("0002_b.up.sql", "", now))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`delete from schema_migrations where name = \$1`).
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, fsys, "m", "").Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownErrors(t *testing.T) {
	t.Run("missing down file", func(t *testing.T) {
		db, mock := newMock(t)
		fsys := fstest.MapFS{"m/0002_b.up.sql": {Data: []byte("select 1;")}}
		expectLedger(mock)
		mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
			WillReturnRows(ledgerRows().AddRow("0002_b.up.sql", "", time.Now()))

		err := NewManager(db, fsys, "m", "").Down(context.Background())
		require.ErrorContains(t, err, "missing down migration for 0002_b.up.sql")
	})

	t.Run("empty history", func(t *testing.T) {
		db, mock := newMock(t)
		expectLedger(mock)
		mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").WillReturnRows(ledgerRows())

		err := NewManager(db, fstest.MapFS{}, "m", "").Down(context.Background())
		require.ErrorIs(t, err, ErrNothingApplied)
	})
}

func TestSeedRerunsChangedFiles(t *testing.T) {
	db, mock := newMock(t)
	roles := []byte("insert into roles (role_name) values ('Doctor') on conflict do nothing;")
	fsys := fstest.MapFS{
		"s/0001_roles.sql":  {Data: roles},
		"s/0002_extras.sql": {Data: []byte("select 1;")},
		"s/notes.txt":       {Data: []byte("ignored")},
	}

	expectLedger(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_seeds").
		WillReturnRows(ledgerRows().
			AddRow("0001_roles.sql", "stale", time.Now()).
			AddRow("0002_extras.sql", checksum([]byte("select 1;")), time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select checksum from schema_seeds where name = \$1`).
		WithArgs("0001_roles.sql").
		WillReturnRows(sqlmock.NewRows([]string{"checksum"}).AddRow("stale"))
	mock.ExpectExec("insert into roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_roles.sql", checksum(roles), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewManager(db, fsys, "", "s").Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomLedgerTables(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("create table if not exists auth_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists auth_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("from auth_migrations").WillReturnRows(ledgerRows())

	recs, err := NewManager(db, fstest.MapFS{}, "m", "s",
		WithMigrationsTable("auth_migrations"), WithSeedsTable("auth_seeds")).Status(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	src := `-- header; with a semicolon
insert into t values ('a;b');
create function f() returns int as $body$ begin return 1; end $body$ language plpgsql;
select $1::text;
-- trailing note`
	stmts := splitStatements(src)
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0], "'a;b'")
	require.Contains(t, stmts[1], "return 1; end $body$")
	require.Equal(t, "select $1::text", stmts[2])
}
