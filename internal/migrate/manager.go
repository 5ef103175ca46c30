// Package migrate applies the schema and role seeds the credential store
// depends on.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

//go:embed sql/*.sql seeds/*.sql
var Embedded embed.FS

// lockKey serializes concurrent migrators on the same database.
const lockKey int64 = 0x6665727479

var (
	// ErrChecksumMismatch reports an applied migration whose file changed.
	ErrChecksumMismatch = errors.New("migrate: applied migration was modified")
	// ErrNothingApplied is returned by Down on an empty history.
	ErrNothingApplied = errors.New("migrate: no migrations applied")
)

// Record is one row of a bookkeeping table.
type Record struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Manager runs up/down migrations and seeds read from an fs.FS.
type Manager struct {
	db            *sql.DB
	fsys          fs.FS
	migrationsDir string
	seedsDir      string
	tables        tables
	now           func() time.Time
}

type tables struct {
	migrations string
	seeds      string
}

type Option func(*Manager)

// WithMigrationsTable renames the migrations ledger (default schema_migrations).
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.tables.migrations = name
		}
	}
}

// WithSeedsTable renames the seeds ledger (default schema_seeds).
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.tables.seeds = name
		}
	}
}

func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		fsys:          fsys,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		tables:        tables{migrations: "schema_migrations", seeds: "schema_seeds"},
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewEmbedded reads the scripts compiled into the binary.
func NewEmbedded(db *sql.DB, opts ...Option) *Manager {
	return NewManager(db, Embedded, "sql", "seeds", opts...)
}

// Pending names the up migrations that have no record yet.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	todo, err := m.plan(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(todo))
	for i, s := range todo {
		names[i] = s.name
	}
	return names, nil
}

// Up applies every pending migration. Each script runs in its own
// transaction together with its ledger row.
func (m *Manager) Up(ctx context.Context) error {
	todo, err := m.plan(ctx)
	if err != nil {
		return err
	}
	for _, s := range todo {
		if err := m.apply(ctx, m.tables.migrations, s, false); err != nil {
			return fmt.Errorf("apply migration %s: %w", s.name, err)
		}
	}
	return nil
}

// Down reverts the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	history, err := m.applied(ctx, m.tables.migrations)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return ErrNothingApplied
	}
	last := history[len(history)-1].Name
	down, err := readScript(m.fsys, path.Join(m.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql"))
	if err != nil {
		return fmt.Errorf("missing down migration for %s: %w", last, err)
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := runStatements(ctx, tx, down.body); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.tables.migrations), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Record, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}
	return m.applied(ctx, m.tables.migrations)
}

// Seed runs seed files that are new or whose content changed since they
// were last recorded. Seeds must therefore be idempotent.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureLedger(ctx); err != nil {
		return err
	}
	seeds, err := loadScripts(m.fsys, m.seedsDir, ".sql")
	if err != nil {
		return err
	}
	done, err := m.applied(ctx, m.tables.seeds)
	if err != nil {
		return err
	}
	seen := index(done)
	for _, s := range seeds {
		if rec, ok := seen[s.name]; ok && rec.Checksum == s.checksum {
			continue
		}
		if err := m.apply(ctx, m.tables.seeds, s, true); err != nil {
			return fmt.Errorf("apply seed %s: %w", s.name, err)
		}
	}
	return nil
}

// plan returns unapplied up migrations after checking that applied ones
// still match their recorded checksum.
func (m *Manager) plan(ctx context.Context) ([]script, error) {
	if err := m.ensureLedger(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, m.tables.migrations)
	if err != nil {
		return nil, err
	}
	ups, err := loadScripts(m.fsys, m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	seen := index(done)
	var todo []script
	for _, s := range ups {
		rec, ok := seen[s.name]
		if !ok {
			todo = append(todo, s)
			continue
		}
		if rec.Checksum != "" && rec.Checksum != s.checksum {
			return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, s.name)
		}
	}
	return todo, nil
}

// apply runs s and writes its ledger row under the advisory lock. The row is
// re-read inside the lock so a concurrent migrator's work is not repeated.
func (m *Manager) apply(ctx context.Context, table string, s script, rerunOnChange bool) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		var recorded string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`select checksum from %s where name = $1`, table), s.name).Scan(&recorded)
		switch {
		case err == nil:
			if !rerunOnChange || recorded == s.checksum {
				return nil
			}
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if err := runStatements(ctx, tx, s.body); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`insert into %s (name, checksum, applied_at) values ($1, $2, $3)
			 on conflict (name) do update set checksum = excluded.checksum, applied_at = excluded.applied_at`, table),
			s.name, s.checksum, m.now())
		return err
	})
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func runStatements(ctx context.Context, tx *sql.Tx, body string) error {
	for _, stmt := range splitStatements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ensureLedger creates both bookkeeping tables and adds the checksum column
// to ledgers created before it existed.
func (m *Manager) ensureLedger(ctx context.Context) error {
	for _, table := range []string{m.tables.migrations, m.tables.seeds} {
		ddl := fmt.Sprintf(`create table if not exists %[1]s (
			name text primary key,
			checksum text not null default '',
			applied_at timestamptz not null default now()
		);
		alter table %[1]s add column if not exists checksum text not null default ''`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) applied(ctx context.Context, table string) ([]Record, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(
		`select name, checksum, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Name, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func index(recs []Record) map[string]Record {
	out := make(map[string]Record, len(recs))
	for _, r := range recs {
		out[r.Name] = r
	}
	return out
}
