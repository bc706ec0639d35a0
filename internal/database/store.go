package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the underlying database engine.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// String returns a human-readable dialect name.
func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// store wraps *sql.DB with dialect awareness. Queries are written in SQLite
// style (`?` placeholders) and rewritten transparently for PostgreSQL, so the
// repository keeps a single query text per operation.
type store struct {
	raw     *sql.DB
	dialect Dialect
}

// openStore opens a connection for the given dialect and verifies it.
func openStore(dialect Dialect, url string) (*store, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite3"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %v", dialect)
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if dialect == DialectPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		// sqlite serialises writers; a single connection avoids lock churn.
		db.SetMaxOpenConns(1)
	}

	return &store{raw: db, dialect: dialect}, nil
}

func (s *store) Close() error {
	return s.raw.Close()
}

func (s *store) Exec(query string, args ...any) (sql.Result, error) {
	return s.raw.Exec(s.rewrite(query), args...)
}

func (s *store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.raw.Query(s.rewrite(query), args...)
}

func (s *store) QueryRow(query string, args ...any) *sql.Row {
	return s.raw.QueryRow(s.rewrite(query), args...)
}

func (s *store) rewrite(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rewritePlaceholders(query)
}

// rewritePlaceholders turns `?` placeholders into `$1, $2, ...` for
// PostgreSQL, leaving string literals untouched.
func rewritePlaceholders(query string) string {
	var buf strings.Builder
	buf.Grow(len(query) + 16)
	n := 1
	inString := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			if inString && i+1 < len(query) && query[i+1] == '\'' {
				buf.WriteByte(ch)
				buf.WriteByte(query[i+1])
				i++
				continue
			}
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if ch == '?' && !inString {
			fmt.Fprintf(&buf, "$%d", n)
			n++
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
