// Package verify replays the full signing pipeline over stored records and
// exports, returning a per-check breakdown rather than a bare boolean.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/export"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

// Failure reasons, reported on the first check that fails.
const (
	ReasonPayloadTampered     = "PayloadTampered"
	ReasonInvalidSignature    = "InvalidSignature"
	ReasonMethodologyMismatch = "MethodologyMismatch"
)

// Result is the outcome of one verification, one flag per independent
// check. Verified is true only when every check passed.
type Result struct {
	HashValid         bool   `json:"hash_valid"`
	HMACValid         bool   `json:"hmac_valid"`
	Ed25519Valid      bool   `json:"ed25519_valid"`
	MethodologyValid  bool   `json:"methodology_valid"`
	Verified          bool   `json:"verified"`
	Reason            string `json:"reason,omitempty"`
	HMACKeyVersion    string `json:"hmac_key_version,omitempty"`
	Ed25519KeyVersion string `json:"ed25519_key_version,omitempty"`
}

func (r *Result) finalize() {
	r.Verified = r.HashValid && r.HMACValid && r.Ed25519Valid && r.MethodologyValid
	if r.Verified {
		r.Reason = ""
		return
	}
	switch {
	case !r.HashValid:
		r.Reason = ReasonPayloadTampered
	case !r.HMACValid || !r.Ed25519Valid:
		r.Reason = ReasonInvalidSignature
	default:
		r.Reason = ReasonMethodologyMismatch
	}
}

// Verifier re-checks ledger records and MRV exports against their stored
// signatures and methodology bindings.
type Verifier struct {
	ledger   *ledger.Ledger
	exports  *export.SQLStore
	registry methodology.Registry
	signer   *signing.Service
	logger   *slog.Logger
}

func New(led *ledger.Ledger, exports *export.SQLStore, registry methodology.Registry,
	signer *signing.Service, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		ledger:   led,
		exports:  exports,
		registry: registry,
		signer:   signer,
		logger:   logger.With("component", "verify"),
	}
}

// Record replays the pipeline for one ledger record: re-canonicalize the
// stored payload and compare its hash, check both signature planes, and
// recompute the checksum binding the hash to the record's business
// identity.
func (v *Verifier) Record(ctx context.Context, id string) (Result, error) {
	rec, payload, err := v.ledger.GetRaw(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var res Result
	canonical, err := canonicalize.TransformRaw(payload)
	if err == nil {
		digest := sha256.Sum256(canonical)
		res.HashValid = hex.EncodeToString(digest[:]) == rec.EventHash

		outcome := v.signer.Verify(digest[:], signing.SignatureSet{
			ContentHash:       rec.EventHash,
			HMACSignature:     rec.HMACSignature,
			HMACKeyVersion:    rec.HMACKeyVersion,
			Ed25519Signature:  rec.Ed25519Signature,
			Ed25519KeyVersion: rec.Ed25519KeyVersion,
		}, signing.PurposeImpactRecord)
		res.HMACValid = outcome.HMACValid
		res.HMACKeyVersion = outcome.HMACMatchedVersion
		res.Ed25519Valid = outcome.Ed25519Valid
		res.Ed25519KeyVersion = outcome.Ed25519MatchedVersion
	}

	checksum, err := ledger.ChecksumOf(rec.EventHash, rec.BusinessKey, rec.ModelVersion, rec.RegionCode)
	if err != nil {
		return Result{}, err
	}
	res.MethodologyValid = checksum == rec.Checksum

	res.finalize()
	if !res.Verified {
		v.logger.Warn("record verification failed", "record", id, "reason", res.Reason)
	}
	return res, nil
}

// Export replays the pipeline for one MRV export, additionally comparing
// the stored methodology hash against the currently ACTIVE version's
// descriptor. An export bound to a version that has since been swapped
// out, or whose descriptor was rewritten in place, fails the methodology
// check even when both signatures still hold.
func (v *Verifier) Export(ctx context.Context, id string) (Result, error) {
	exp, payload, err := v.exports.GetRaw(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var res Result
	canonical, err := canonicalize.TransformRaw(payload)
	if err == nil {
		digest := sha256.Sum256(canonical)
		res.HashValid = hex.EncodeToString(digest[:]) == exp.VerificationHash

		outcome := v.signer.Verify(digest[:], signing.SignatureSet{
			ContentHash:       exp.VerificationHash,
			HMACSignature:     exp.HMACSignature,
			HMACKeyVersion:    exp.HMACKeyVersion,
			Ed25519Signature:  exp.Ed25519Signature,
			Ed25519KeyVersion: exp.Ed25519KeyVersion,
		}, signing.PurposeMRVExport)
		res.HMACValid = outcome.HMACValid
		res.HMACKeyVersion = outcome.HMACMatchedVersion
		res.Ed25519Valid = outcome.Ed25519Valid
		res.Ed25519KeyVersion = outcome.Ed25519MatchedVersion
	}

	active, err := v.registry.ResolveActive(ctx)
	switch {
	case err == nil:
		hash, hashErr := active.Hash()
		if hashErr != nil {
			return Result{}, hashErr
		}
		res.MethodologyValid = hash == exp.MethodologyHash
	case errors.Is(err, methodology.ErrNotConfigured):
		// An export cannot be vouched for once no methodology is active.
	default:
		return Result{}, err
	}

	res.finalize()
	if !res.Verified {
		v.logger.Warn("export verification failed", "export", id, "reason", res.Reason)
	}
	return res, nil
}

// DetachedRecord verifies the Ed25519 plane of a record using only its
// canonical payload, signature and a public keyring. No database access and
// no shared secret: anything a third party was handed is enough.
func DetachedRecord(payload []byte, signatureHex, declaredVersion string, keyring signing.PublicKeyring) (bool, error) {
	canonical, err := canonicalize.TransformRaw(payload)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(canonical)
	outcome := keyring.Verify(digest[:], signatureHex, declaredVersion)
	return outcome.Ed25519Valid, nil
}
