// Package export builds signed MRV exports: aggregated, deduplicated
// summaries of a ledger window, bound to the methodology they were computed
// under.
package export

import (
	"errors"
	"time"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
)

var (
	// ErrDuplicatePeriod is returned when an export for the exact
	// [period_start, period_end) window already exists.
	ErrDuplicatePeriod = errors.New("export: duplicate export period")
	// ErrExportNotFound is returned for an unknown export ID.
	ErrExportNotFound = errors.New("export: export not found")
	// ErrEmptyWindow is returned when no eligible record falls inside the
	// requested window.
	ErrEmptyWindow = errors.New("export: no eligible records in window")
)

// DedupRule names the deterministic winner-selection policy applied when a
// business key appears more than once in a window, e.g. under several model
// versions. Creation-time ties fall to the lexicographically greatest
// record ID.
const DedupRule = "latest-by-creation-order"

// DedupProof documents what deduplication removed, so an auditor can check
// the aggregate without re-running the engine. RawCount is the full window
// read; ExcludedCount is what eligibility filtering dropped before dedup,
// so RawCount = ExcludedCount + RemovedCount + SelectedCount.
type DedupProof struct {
	Rule                 string         `json:"rule"`
	RawCount             int            `json:"raw_count"`
	ExcludedCount        int            `json:"excluded_count"`
	SelectedCount        int            `json:"selected_count"`
	RemovedCount         int            `json:"removed_count"`
	DuplicateKeys        []string       `json:"duplicate_keys"`
	DuplicateFrequencies map[string]int `json:"duplicate_frequencies"`
	ProofHash            string         `json:"proof_hash"`
}

// MRVExport is one signed, immutable export of a reporting window.
type MRVExport struct {
	ID                 string               `json:"id"`
	PeriodStart        time.Time            `json:"period_start"`
	PeriodEnd          time.Time            `json:"period_end"`
	MethodologyVersion string               `json:"methodology_version"`
	MethodologyHash    string               `json:"methodology_hash"`
	RecordCount        int                  `json:"record_count"`
	TotalMeasured      canonicalize.Decimal `json:"total_measured"`
	TotalDerived       canonicalize.Decimal `json:"total_derived"`
	Dedup              DedupProof           `json:"dedup"`
	VerificationHash   string               `json:"verification_hash"`
	HMACSignature      string               `json:"hmac_signature"`
	HMACKeyVersion     string               `json:"hmac_key_version"`
	Ed25519Signature   string               `json:"ed25519_signature"`
	Ed25519KeyVersion  string               `json:"ed25519_key_version"`
	CreatedAt          time.Time            `json:"created_at"`
}
