package sqlstore

import (
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the SQL differences between the supported engines.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect interface {
	Name() string
	Driver() string
	// Rebind rewrites ? placeholders to the engine's style.
	Rebind(query string) string
	// Contains renders a substring test of haystack for needle.
	Contains(haystack, needle string, caseInsensitive bool) string
	// Paging renders the LIMIT/OFFSET clause; it may be empty.
	Paging(limit *int, offset int) (string, []any)
	// Duplicate reports whether err is a uniqueness violation.
	Duplicate(err error) bool
}

// foldFunc is a Unicode-aware lower() registered on every SQLite
// connection; the built-in lower only folds ASCII.
const foldFunc = "attic_lower"

func init() {
	if err := sqlite.RegisterDeterministicScalarFunction(foldFunc, 1, fold); err != nil {
		panic("sqlstore: registering " + foldFunc + ": " + err.Error())
	}
}

func fold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	}
	return args[0], nil
}

// SQLite is the modernc.org/sqlite dialect.
type SQLite struct{}

// Name implements Dialect.
func (SQLite) Name() string { return "sqlite" }

// Driver implements Dialect.
func (SQLite) Driver() string { return "sqlite" }

// Rebind implements Dialect.
func (SQLite) Rebind(query string) string { return query }

// Contains implements Dialect.
func (SQLite) Contains(haystack, needle string, ci bool) string {
	if ci {
		return "instr(" + foldFunc + "(" + haystack + "), " + foldFunc + "(" + needle + ")) > 0"
	}
	return "instr(" + haystack + ", " + needle + ") > 0"
}

// Paging implements Dialect. SQLite needs a LIMIT before any OFFSET.
func (SQLite) Paging(limit *int, offset int) (string, []any) {
	switch {
	case limit != nil && offset > 0:
		return " LIMIT ? OFFSET ?", []any{*limit, offset}
	case limit != nil:
		return " LIMIT ?", []any{*limit}
	case offset > 0:
		return " LIMIT -1 OFFSET ?", []any{offset}
	}
	return "", nil
}

// Duplicate implements Dialect.
func (SQLite) Duplicate(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// Postgres is the pgx stdlib dialect.
type Postgres struct{}

// Name implements Dialect.
func (Postgres) Name() string { return "postgres" }

// Driver implements Dialect.
func (Postgres) Driver() string { return "pgx" }

// Rebind implements Dialect, numbering placeholders $1, $2, ...
func (Postgres) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '?' {
			b.WriteByte(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// Contains implements Dialect.
func (Postgres) Contains(haystack, needle string, ci bool) string {
	if ci {
		return "strpos(lower(" + haystack + "), lower(" + needle + ")) > 0"
	}
	return "strpos(" + haystack + ", " + needle + ") > 0"
}

// Paging implements Dialect.
func (Postgres) Paging(limit *int, offset int) (string, []any) {
	var clause string
	var args []any
	if limit != nil {
		clause += " LIMIT ?"
		args = append(args, *limit)
	}
	if offset > 0 {
		clause += " OFFSET ?"
		args = append(args, offset)
	}
	return clause, args
}

// Duplicate implements Dialect.
func (Postgres) Duplicate(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}
