package methodology

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Haldane-Systems/veriground/core/pkg/store"
)

// SQLRegistry implements Registry over database/sql. It works with both
// Postgres and SQLite through standard drivers.
type SQLRegistry struct {
	db *sql.DB
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS methodology_versions (
	version TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	baseline_reference TEXT NOT NULL,
	factor_table_reference TEXT NOT NULL,
	geographic_scope TEXT,
	eligibility_expr TEXT,
	created_at TEXT NOT NULL
);
`

// At most one row may hold ACTIVE status. The partial unique index makes
// the store enforce this even under concurrent activations, where the
// transactional read-then-update alone would race.
const singleActiveIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS methodology_versions_single_active
	ON methodology_versions (status) WHERE status = 'ACTIVE';
`

// Init creates the backing table and its single-ACTIVE constraint.
func (r *SQLRegistry) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, singleActiveIndex)
	return err
}

func (r *SQLRegistry) Register(ctx context.Context, v Version) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	scopeJSON, err := json.Marshal(v.GeographicScope)
	if err != nil {
		return fmt.Errorf("methodology: marshal scope: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO methodology_versions
			(version, status, baseline_reference, factor_table_reference, geographic_scope, eligibility_expr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.Version, string(StatusDeprecated), v.BaselineReference, v.FactorTableReference,
		string(scopeJSON), v.EligibilityExpr, store.FormatTime(v.CreatedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("methodology: version %s already registered", v.Version)
		}
		return fmt.Errorf("methodology: register: %w", err)
	}
	return nil
}

func (r *SQLRegistry) Activate(ctx context.Context, version string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("methodology: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var other string
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM methodology_versions WHERE status = $1 AND version != $2`,
		string(StatusActive), version).Scan(&other)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrAlreadyActive, other)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("methodology: active check: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE methodology_versions SET status = $1 WHERE version = $2`,
		string(StatusActive), version)
	if err != nil {
		// A concurrent activation that slipped past the read above trips
		// the partial unique index instead.
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("%w: concurrent activation", ErrAlreadyActive)
		}
		return fmt.Errorf("methodology: activate: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("methodology: activate rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return tx.Commit()
}

func (r *SQLRegistry) Deprecate(ctx context.Context, version string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE methodology_versions SET status = $1 WHERE version = $2`,
		string(StatusDeprecated), version)
	if err != nil {
		return fmt.Errorf("methodology: deprecate: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("methodology: deprecate rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return nil
}

func (r *SQLRegistry) ResolveActive(ctx context.Context) (Version, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE status = $1`, string(StatusActive))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, ErrNotConfigured
	}
	return v, err
}

func (r *SQLRegistry) Get(ctx context.Context, version string) (Version, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+` WHERE version = $1`, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, fmt.Errorf("%w: %s", ErrVersionNotFound, version)
	}
	return v, err
}

func (r *SQLRegistry) List(ctx context.Context) ([]Version, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns)
	if err != nil {
		return nil, fmt.Errorf("methodology: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortVersions(out)
	return out, nil
}

const selectColumns = `SELECT version, status, baseline_reference, factor_table_reference, geographic_scope, eligibility_expr, created_at FROM methodology_versions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (Version, error) {
	var v Version
	var status, scopeJSON, createdAt string
	if err := row.Scan(&v.Version, &status, &v.BaselineReference, &v.FactorTableReference,
		&scopeJSON, &v.EligibilityExpr, &createdAt); err != nil {
		return Version{}, err
	}
	v.Status = Status(status)
	if scopeJSON != "" && scopeJSON != "null" {
		if err := json.Unmarshal([]byte(scopeJSON), &v.GeographicScope); err != nil {
			return Version{}, fmt.Errorf("methodology: corrupt scope for %s: %w", v.Version, err)
		}
	}
	ts, err := store.ParseTime(createdAt)
	if err != nil {
		return Version{}, err
	}
	v.CreatedAt = ts
	return v, nil
}
