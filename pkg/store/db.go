// Package store holds the SQL plumbing shared by the ledger, outbox,
// methodology, and export stores. All stores speak portable SQL that runs
// on both SQLite (modernc driver) and Postgres (lib/pq).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DriverSQLite and DriverPostgres are the supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TimeLayout is the fixed-width UTC encoding used for every persisted
// timestamp. Fixed width keeps lexicographic and chronological order
// identical, which window queries rely on.
const TimeLayout = "2006-01-02 15:04:05.000000000"

// Open opens a database handle for the given driver.
func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("store: open %s: %w", driver, err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// AdaptDDL rewrites portable DDL for the connected driver. Schemas are
// written in SQLite form; Postgres has no BLOB column type, so BLOB
// columns become BYTEA there.
func AdaptDDL(db *sql.DB, ddl string) string {
	switch db.Driver().(type) {
	case *pq.Driver, pq.Driver:
		return strings.ReplaceAll(ddl, "BLOB", "BYTEA")
	}
	return ddl
}

// FormatTime encodes a timestamp for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime decodes a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation on
// either supported driver. Postgres reports SQLSTATE 23505; the SQLite
// driver only exposes the message text.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
