package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/store"
)

// SQLStore persists MRV exports. One export per exact window: the
// (period_start, period_end) pair is unique.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const exportSchema = `
CREATE TABLE IF NOT EXISTS mrv_exports (
	id TEXT PRIMARY KEY,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	methodology_version TEXT NOT NULL,
	methodology_hash TEXT NOT NULL,
	record_count INTEGER NOT NULL,
	total_measured TEXT NOT NULL,
	total_derived TEXT NOT NULL,
	dedup_proof TEXT NOT NULL,
	verification_hash TEXT NOT NULL,
	hmac_signature TEXT NOT NULL,
	hmac_key_version TEXT NOT NULL,
	ed25519_signature TEXT NOT NULL,
	ed25519_key_version TEXT NOT NULL,
	canonical_payload BLOB NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (period_start, period_end)
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, store.AdaptDDL(s.db, exportSchema))
	return err
}

func (s *SQLStore) insertTx(ctx context.Context, tx *sql.Tx, exp MRVExport, payload []byte) error {
	proof, err := json.Marshal(exp.Dedup)
	if err != nil {
		return fmt.Errorf("export: encode dedup proof: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO mrv_exports (
			id, period_start, period_end, methodology_version, methodology_hash,
			record_count, total_measured, total_derived, dedup_proof,
			verification_hash, hmac_signature, hmac_key_version,
			ed25519_signature, ed25519_key_version, canonical_payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, exp.ID, store.FormatTime(exp.PeriodStart), store.FormatTime(exp.PeriodEnd),
		exp.MethodologyVersion, exp.MethodologyHash,
		exp.RecordCount, exp.TotalMeasured.String(), exp.TotalDerived.String(),
		string(proof), exp.VerificationHash,
		exp.HMACSignature, exp.HMACKeyVersion,
		exp.Ed25519Signature, exp.Ed25519KeyVersion,
		payload, store.FormatTime(exp.CreatedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return fmt.Errorf("%w: [%s, %s)", ErrDuplicatePeriod, exp.PeriodStart, exp.PeriodEnd)
		}
		return fmt.Errorf("export: insert: %w", err)
	}
	return nil
}

const exportColumns = `SELECT id, period_start, period_end, methodology_version, methodology_hash,
	record_count, total_measured, total_derived, dedup_proof,
	verification_hash, hmac_signature, hmac_key_version,
	ed25519_signature, ed25519_key_version, canonical_payload, created_at
	FROM mrv_exports`

// Get returns an export by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (MRVExport, error) {
	exp, _, err := s.GetRaw(ctx, id)
	return exp, err
}

// GetRaw returns an export together with its persisted canonical payload
// bytes, for independent re-verification.
func (s *SQLStore) GetRaw(ctx context.Context, id string) (MRVExport, []byte, error) {
	row := s.db.QueryRowContext(ctx, exportColumns+` WHERE id = $1`, id)
	exp, payload, err := scanExport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MRVExport{}, nil, fmt.Errorf("%w: %s", ErrExportNotFound, id)
	}
	return exp, payload, err
}

// List returns all exports ordered by period start.
func (s *SQLStore) List(ctx context.Context) ([]MRVExport, error) {
	rows, err := s.db.QueryContext(ctx, exportColumns+` ORDER BY period_start, period_end`)
	if err != nil {
		return nil, fmt.Errorf("export: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]MRVExport, 0)
	for rows.Next() {
		exp, _, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExport(row rowScanner) (MRVExport, []byte, error) {
	var exp MRVExport
	var start, end, measured, derived, proof, createdAt string
	var payload []byte
	if err := row.Scan(&exp.ID, &start, &end, &exp.MethodologyVersion, &exp.MethodologyHash,
		&exp.RecordCount, &measured, &derived, &proof,
		&exp.VerificationHash, &exp.HMACSignature, &exp.HMACKeyVersion,
		&exp.Ed25519Signature, &exp.Ed25519KeyVersion, &payload, &createdAt); err != nil {
		return MRVExport{}, nil, err
	}

	var err error
	if exp.PeriodStart, err = store.ParseTime(start); err != nil {
		return MRVExport{}, nil, err
	}
	if exp.PeriodEnd, err = store.ParseTime(end); err != nil {
		return MRVExport{}, nil, err
	}
	if exp.TotalMeasured, err = canonicalize.ParseDecimal(measured); err != nil {
		return MRVExport{}, nil, fmt.Errorf("export: corrupt total for %s: %w", exp.ID, err)
	}
	if exp.TotalDerived, err = canonicalize.ParseDecimal(derived); err != nil {
		return MRVExport{}, nil, fmt.Errorf("export: corrupt total for %s: %w", exp.ID, err)
	}
	if err = json.Unmarshal([]byte(proof), &exp.Dedup); err != nil {
		return MRVExport{}, nil, fmt.Errorf("export: corrupt dedup proof for %s: %w", exp.ID, err)
	}
	if exp.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return MRVExport{}, nil, err
	}
	return exp, payload, nil
}
