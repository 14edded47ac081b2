package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects placeholder style and DDL.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	}
	return 0, fmt.Errorf("unsupported database driver %q", driver)
}

// DB is the relational backend shared by the policy, token and challenge
// stores.
type DB struct {
	db      *sql.DB
	dialect Dialect
}

// OpenDB opens dsn with driver ("sqlite" or "pgx") and applies the schema.
func OpenDB(ctx context.Context, driver, dsn string) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	name := "sqlite"
	if dialect == DialectPostgres {
		name = "pgx"
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// In-memory databases are per connection.
		db.SetMaxOpenConns(1)
	}
	d := NewDB(db, dialect)
	if err := d.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// NewDB wraps an open handle without touching the schema.
func NewDB(db *sql.DB, dialect Dialect) *DB {
	return &DB{db: db, dialect: dialect}
}

// Close closes the handle.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS mfa_policies (
		name TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		active INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mfa_policies_scope ON mfa_policies (scope, active)`,
	`CREATE TABLE IF NOT EXISTS mfa_tokens (
		serial TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		owner_user TEXT NOT NULL,
		owner_realm TEXT NOT NULL,
		owner_resolver TEXT NOT NULL,
		version BIGINT NOT NULL,
		body TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mfa_tokens_owner ON mfa_tokens (owner_user, owner_realm)`,
	`CREATE TABLE IF NOT EXISTS mfa_challenges (
		transaction_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		consumed INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (transaction_id, serial)
	)`,
	`CREATE INDEX IF NOT EXISTS mfa_challenges_expiry ON mfa_challenges (expires_at)`,
}

// Migrate applies the idempotent schema.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d *DB) rebind(q string) string {
	if d.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(q), args...)
}

func (d *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(q), args...)
}

func (d *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(q), args...)
}

// isDuplicate reports a primary key or unique violation on either backend.
func isDuplicate(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == 2067 || code == 1555 || (code&0xFF) == sqlite3.SQLITE_CONSTRAINT
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
