package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/outbox"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
	"github.com/Haldane-Systems/veriground/core/pkg/store"
)

// Ledger appends signed impact records. The record insert and the outbox
// enqueue share one transaction: either both commit or neither does.
type Ledger struct {
	db       *sql.DB
	registry methodology.Registry
	factors  methodology.FactorSource
	signer   *signing.Service
	outbox   outbox.Store
	logger   *slog.Logger
	clock    func() time.Time
}

func New(db *sql.DB, registry methodology.Registry, factors methodology.FactorSource,
	signer *signing.Service, ob outbox.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:       db,
		registry: registry,
		factors:  factors,
		signer:   signer,
		outbox:   ob,
		logger:   logger.With("component", "ledger"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

const schema = `
CREATE TABLE IF NOT EXISTS impact_records (
	id TEXT PRIMARY KEY,
	business_key TEXT NOT NULL,
	model_version TEXT NOT NULL,
	measured_quantity TEXT NOT NULL,
	derived_quantity TEXT NOT NULL,
	region_code TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	checksum TEXT NOT NULL,
	hmac_signature TEXT NOT NULL,
	hmac_key_version TEXT NOT NULL,
	ed25519_signature TEXT NOT NULL,
	ed25519_key_version TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	canonical_payload BLOB NOT NULL,
	event_timestamp TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE (business_key, model_version)
);
CREATE INDEX IF NOT EXISTS idx_impact_records_window ON impact_records(event_timestamp);
`

// Init creates the backing table.
func (l *Ledger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, store.AdaptDDL(l.db, schema))
	return err
}

// Append validates, derives, canonicalizes, signs, and persists one impact
// event together with its outbox obligation. A duplicate
// (business_key, model_version) returns ErrDuplicateRecord.
func (l *Ledger) Append(ctx context.Context, ev Event) (ImpactRecord, error) {
	if err := ev.Validate(); err != nil {
		return ImpactRecord{}, err
	}
	region, err := canonicalRegion(ev.RegionCode)
	if err != nil {
		return ImpactRecord{}, fmt.Errorf("ledger: invalid region code %q: %w", ev.RegionCode, err)
	}

	active, err := l.registry.ResolveActive(ctx)
	if err != nil {
		return ImpactRecord{}, err
	}
	table, err := l.factors.Factors(ctx, active.FactorTableReference)
	if err != nil {
		return ImpactRecord{}, err
	}
	factor, err := table.Factor(region)
	if err != nil {
		return ImpactRecord{}, err
	}
	derived := ev.MeasuredQuantity.Mul(factor)

	id := uuid.NewString()
	payload, err := canonicalize.JCS(payloadFields(id, ev, derived, region))
	if err != nil {
		return ImpactRecord{}, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(payload)

	set, err := l.signer.Sign(digest[:], signing.PurposeImpactRecord)
	if err != nil {
		return ImpactRecord{}, err
	}
	checksum, err := ChecksumOf(set.ContentHash, ev.BusinessKey, ev.ModelVersion, region)
	if err != nil {
		return ImpactRecord{}, err
	}

	record := ImpactRecord{
		ID:                id,
		BusinessKey:       ev.BusinessKey,
		ModelVersion:      ev.ModelVersion,
		MeasuredQuantity:  ev.MeasuredQuantity,
		DerivedQuantity:   derived,
		RegionCode:        region,
		EventHash:         set.ContentHash,
		Checksum:          checksum,
		HMACSignature:     set.HMACSignature,
		HMACKeyVersion:    set.HMACKeyVersion,
		Ed25519Signature:  set.Ed25519Signature,
		Ed25519KeyVersion: set.Ed25519KeyVersion,
		CorrelationID:     ev.CorrelationID,
		EventTimestamp:    ev.EventTimestamp.UTC(),
		CreatedAt:         l.clock().UTC(),
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ImpactRecord{}, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO impact_records (
			id, business_key, model_version, measured_quantity, derived_quantity,
			region_code, event_hash, checksum,
			hmac_signature, hmac_key_version, ed25519_signature, ed25519_key_version,
			correlation_id, canonical_payload, event_timestamp, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, record.ID, record.BusinessKey, record.ModelVersion,
		record.MeasuredQuantity.String(), record.DerivedQuantity.String(),
		record.RegionCode, record.EventHash, record.Checksum,
		record.HMACSignature, record.HMACKeyVersion,
		record.Ed25519Signature, record.Ed25519KeyVersion,
		record.CorrelationID, payload,
		store.FormatTime(record.EventTimestamp), store.FormatTime(record.CreatedAt))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return ImpactRecord{}, fmt.Errorf("%w: (%s, %s)", ErrDuplicateRecord, ev.BusinessKey, ev.ModelVersion)
		}
		return ImpactRecord{}, fmt.Errorf("ledger: insert: %w", err)
	}

	if err := l.outbox.EnqueueTx(ctx, tx, outbox.Event{
		Topic:        outbox.TopicImpactRecorded,
		PartitionKey: record.BusinessKey,
		Payload:      payload,
	}); err != nil {
		return ImpactRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return ImpactRecord{}, fmt.Errorf("ledger: commit: %w", err)
	}

	l.logger.Info("impact record appended",
		"record", record.ID,
		"business_key", record.BusinessKey,
		"model_version", record.ModelVersion,
		"region", record.RegionCode)
	return record, nil
}

// Get returns a record by ID.
func (l *Ledger) Get(ctx context.Context, id string) (ImpactRecord, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	rec, _, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ImpactRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}

// GetRaw returns a record together with its persisted canonical payload
// bytes, for independent re-verification.
func (l *Ledger) GetRaw(ctx context.Context, id string) (ImpactRecord, []byte, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	rec, payload, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ImpactRecord{}, nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, payload, err
}

// Window returns records with event_timestamp in [start, end), ordered by
// creation time then ID so downstream dedup is deterministic.
func (l *Ledger) Window(ctx context.Context, start, end time.Time) ([]ImpactRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		selectColumns+` WHERE event_timestamp >= $1 AND event_timestamp < $2 ORDER BY created_at, id`,
		store.FormatTime(start), store.FormatTime(end))
	if err != nil {
		return nil, fmt.Errorf("ledger: window: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]ImpactRecord, 0)
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, business_key, model_version, measured_quantity, derived_quantity,
	region_code, event_hash, checksum,
	hmac_signature, hmac_key_version, ed25519_signature, ed25519_key_version,
	correlation_id, canonical_payload, event_timestamp, created_at
	FROM impact_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ImpactRecord, []byte, error) {
	var rec ImpactRecord
	var measured, derived, eventTS, createdAt string
	var payload []byte
	if err := row.Scan(&rec.ID, &rec.BusinessKey, &rec.ModelVersion, &measured, &derived,
		&rec.RegionCode, &rec.EventHash, &rec.Checksum,
		&rec.HMACSignature, &rec.HMACKeyVersion, &rec.Ed25519Signature, &rec.Ed25519KeyVersion,
		&rec.CorrelationID, &payload, &eventTS, &createdAt); err != nil {
		return ImpactRecord{}, nil, err
	}

	var err error
	if rec.MeasuredQuantity, err = canonicalize.ParseDecimal(measured); err != nil {
		return ImpactRecord{}, nil, fmt.Errorf("ledger: corrupt measured quantity for %s: %w", rec.ID, err)
	}
	if rec.DerivedQuantity, err = canonicalize.ParseDecimal(derived); err != nil {
		return ImpactRecord{}, nil, fmt.Errorf("ledger: corrupt derived quantity for %s: %w", rec.ID, err)
	}
	if rec.EventTimestamp, err = store.ParseTime(eventTS); err != nil {
		return ImpactRecord{}, nil, err
	}
	if rec.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return ImpactRecord{}, nil, err
	}
	return rec, payload, nil
}
