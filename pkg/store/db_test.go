package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestAdaptDDL_PerDriver(t *testing.T) {
	const ddl = `CREATE TABLE IF NOT EXISTS t (payload BLOB NOT NULL, note TEXT);`

	lite, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer lite.Close()
	if got := AdaptDDL(lite, ddl); got != ddl {
		t.Errorf("sqlite DDL must pass through unchanged, got %q", got)
	}

	// sql.Open is lazy, so inspecting the driver needs no server.
	pg, err := Open(DriverPostgres, "postgres://localhost/ignored?sslmode=disable")
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer pg.Close()
	got := AdaptDDL(pg, ddl)
	if strings.Contains(got, "BLOB") || !strings.Contains(got, "payload BYTEA NOT NULL") {
		t.Errorf("postgres DDL not adapted: %q", got)
	}
}

func TestFormatTime_LexicographicOrder(t *testing.T) {
	a := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)

	fa, fb := FormatTime(a), FormatTime(b)
	if len(fa) != len(fb) {
		t.Fatalf("widths differ: %q vs %q", fa, fb)
	}
	if !(fa < fb) {
		t.Errorf("order broken: %q >= %q", fa, fb)
	}

	back, err := ParseTime(fa)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !back.Equal(a) {
		t.Errorf("round trip: %v != %v", back, a)
	}
}

func TestParseTime_Malformed(t *testing.T) {
	if _, err := ParseTime("2026-01-02T03:04:05Z"); err == nil {
		t.Fatal("RFC3339 input must be rejected")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("something else"), false},
		{&pq.Error{Code: "23505"}, true},
		{&pq.Error{Code: "23503"}, false},
		{fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{errors.New("UNIQUE constraint failed: impact_records.business_key"), true},
		{errors.New("constraint failed: UNIQUE constraint failed (2067)"), true},
	}
	for _, tc := range cases {
		if got := IsUniqueViolation(tc.err); got != tc.want {
			t.Errorf("IsUniqueViolation(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
