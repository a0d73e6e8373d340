package export

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/outbox"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

// Engine computes MRV exports from the ledger. The export row and its
// outbox notification commit in one transaction.
type Engine struct {
	db        *sql.DB
	ledger    *ledger.Ledger
	registry  methodology.Registry
	evaluator *methodology.Evaluator
	signer    *signing.Service
	outbox    outbox.Store
	store     *SQLStore
	logger    *slog.Logger
	clock     func() time.Time
}

func NewEngine(db *sql.DB, led *ledger.Ledger, registry methodology.Registry,
	evaluator *methodology.Evaluator, signer *signing.Service, ob outbox.Store,
	store *SQLStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:        db,
		ledger:    led,
		registry:  registry,
		evaluator: evaluator,
		signer:    signer,
		outbox:    ob,
		store:     store,
		logger:    logger.With("component", "export"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Build aggregates the window [start, end): it filters records by the
// active methodology's eligibility, deduplicates them so the latest record
// per business key wins, sums the quantities, signs the canonical result,
// and persists it. Re-exporting the same window returns ErrDuplicatePeriod.
func (e *Engine) Build(ctx context.Context, start, end time.Time) (MRVExport, error) {
	if !end.After(start) {
		return MRVExport{}, fmt.Errorf("export: period end %s is not after start %s", end, start)
	}

	active, err := e.registry.ResolveActive(ctx)
	if err != nil {
		return MRVExport{}, err
	}
	methodologyHash, err := active.Hash()
	if err != nil {
		return MRVExport{}, err
	}

	records, err := e.ledger.Window(ctx, start, end)
	if err != nil {
		return MRVExport{}, err
	}

	eligible := make([]ledger.ImpactRecord, 0, len(records))
	for _, rec := range records {
		ok, err := e.evaluator.Eligible(active, rec.RegionCode)
		if err != nil {
			return MRVExport{}, err
		}
		if ok {
			eligible = append(eligible, rec)
		}
	}

	// Window rows arrive ordered by creation time then ID, so keeping the
	// last occurrence per business key selects the latest record, with the
	// greatest ID breaking creation-time ties.
	winners := make(map[string]ledger.ImpactRecord, len(eligible))
	frequencies := make(map[string]int, len(eligible))
	for _, rec := range eligible {
		winners[rec.BusinessKey] = rec
		frequencies[rec.BusinessKey]++
	}
	if len(winners) == 0 {
		return MRVExport{}, fmt.Errorf("%w: [%s, %s)", ErrEmptyWindow, start, end)
	}

	duplicateKeys := make([]string, 0)
	duplicateFreq := make(map[string]int)
	for key, n := range frequencies {
		if n > 1 {
			duplicateKeys = append(duplicateKeys, key)
			duplicateFreq[key] = n
		}
	}
	sort.Strings(duplicateKeys)

	proof := DedupProof{
		Rule:                 DedupRule,
		RawCount:             len(records),
		ExcludedCount:        len(records) - len(eligible),
		SelectedCount:        len(winners),
		RemovedCount:         len(eligible) - len(winners),
		DuplicateKeys:        duplicateKeys,
		DuplicateFrequencies: duplicateFreq,
	}
	proof.ProofHash, err = canonicalize.CanonicalHash(map[string]interface{}{
		"rule":                  proof.Rule,
		"raw_count":             proof.RawCount,
		"excluded_count":        proof.ExcludedCount,
		"selected_count":        proof.SelectedCount,
		"removed_count":         proof.RemovedCount,
		"duplicate_keys":        proof.DuplicateKeys,
		"duplicate_frequencies": proof.DuplicateFrequencies,
	})
	if err != nil {
		return MRVExport{}, fmt.Errorf("export: dedup proof hash: %w", err)
	}

	totalMeasured := canonicalize.Decimal{}
	totalDerived := canonicalize.Decimal{}
	recordIDs := make([]string, 0, len(winners))
	for _, rec := range winners {
		totalMeasured = totalMeasured.Add(rec.MeasuredQuantity)
		totalDerived = totalDerived.Add(rec.DerivedQuantity)
		recordIDs = append(recordIDs, rec.ID)
	}
	sort.Strings(recordIDs)

	id := uuid.NewString()
	payload, err := canonicalize.JCS(map[string]interface{}{
		"id":                     id,
		"period_start":           start.UTC().Format(time.RFC3339Nano),
		"period_end":             end.UTC().Format(time.RFC3339Nano),
		"methodology_version":    active.Version,
		"methodology_hash":       methodologyHash,
		"baseline_reference":     active.BaselineReference,
		"factor_table_reference": active.FactorTableReference,
		"record_count":           len(winners),
		"record_ids":             recordIDs,
		"total_measured":         totalMeasured,
		"total_derived":          totalDerived,
		"dedup":                  proof,
	})
	if err != nil {
		return MRVExport{}, fmt.Errorf("export: canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(payload)

	set, err := e.signer.Sign(digest[:], signing.PurposeMRVExport)
	if err != nil {
		return MRVExport{}, err
	}

	exp := MRVExport{
		ID:                 id,
		PeriodStart:        start.UTC(),
		PeriodEnd:          end.UTC(),
		MethodologyVersion: active.Version,
		MethodologyHash:    methodologyHash,
		RecordCount:        len(winners),
		TotalMeasured:      totalMeasured,
		TotalDerived:       totalDerived,
		Dedup:              proof,
		VerificationHash:   set.ContentHash,
		HMACSignature:      set.HMACSignature,
		HMACKeyVersion:     set.HMACKeyVersion,
		Ed25519Signature:   set.Ed25519Signature,
		Ed25519KeyVersion:  set.Ed25519KeyVersion,
		CreatedAt:          e.clock().UTC(),
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return MRVExport{}, fmt.Errorf("export: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.store.insertTx(ctx, tx, exp, payload); err != nil {
		return MRVExport{}, err
	}
	if err := e.outbox.EnqueueTx(ctx, tx, outbox.Event{
		Topic:        outbox.TopicMRVExported,
		PartitionKey: exp.ID,
		Payload:      payload,
	}); err != nil {
		return MRVExport{}, err
	}
	if err := tx.Commit(); err != nil {
		return MRVExport{}, fmt.Errorf("export: commit: %w", err)
	}

	e.logger.Info("mrv export built",
		"export", exp.ID,
		"period_start", exp.PeriodStart,
		"period_end", exp.PeriodEnd,
		"records", exp.RecordCount,
		"duplicates_removed", proof.RemovedCount,
		"methodology", active.Version)
	return exp, nil
}
