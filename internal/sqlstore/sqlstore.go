// Package sqlstore is the durable store behind the in-memory data layer.
// It abstracts the SQL dialect (SQLite for single-host deployments,
// PostgreSQL for hosted ones) behind placeholder rewriting and a shared
// upsert syntax.
package sqlstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// Dialect selects the SQL backend.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect maps a DATABASE_TYPE value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite":
		return SQLite, nil
	case "postgresql", "postgres":
		return Postgres, nil
	}
	return 0, fmt.Errorf("unknown database type %q", s)
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgresql"
	}
	return "sqlite"
}

// DB wraps a sql.DB plus its dialect.
type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// Open opens the database at dsn and applies the schema. The connection
// pool is bounded per the service's write-worker model: one writer plus a
// handful of hydration readers.
func Open(dialect Dialect, dsn string) (*DB, error) {
	var driver, schema string
	switch dialect {
	case SQLite:
		driver = "sqlite"
		schema = schemaSQLite
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", dsn)
		}
	case Postgres:
		driver = "postgres"
		schema = schemaPostgres
	default:
		return nil, fmt.Errorf("unknown dialect %d", dialect)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(15)
	conn.SetMaxIdleConns(2)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{conn: conn, dialect: dialect}, nil
}

// NewWithConn wraps an existing connection. Used by tests that inject a
// mock driver.
func NewWithConn(conn *sql.DB, dialect Dialect) *DB {
	return &DB{conn: conn, dialect: dialect}
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the database is reachable. Startup fails if it is not.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// rebind rewrites ?-style placeholders to the dialect's native form.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

func (db *DB) exec(query string, args ...any) error {
	_, err := db.conn.Exec(db.rebind(query), args...)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
