package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Haldane-Systems/veriground/core/pkg/export"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

// Bundle file names. The manifest lists a sha256 for every other entry.
const (
	bundlePayload   = "canonical_payload.json"
	bundleSignature = "signatures.json"
	bundleKey       = "public_key.json"
	bundleManifest  = "MANIFEST.json"
)

type bundleSignatures struct {
	ContentHash       string `json:"content_hash"`
	HMACSignature     string `json:"hmac_signature"`
	HMACKeyVersion    string `json:"hmac_key_version"`
	Ed25519Signature  string `json:"ed25519_signature"`
	Ed25519KeyVersion string `json:"ed25519_key_version"`
}

// Archiver writes evidence bundles for records and exports. Bundles are
// byte-deterministic: archiving the same artifact twice yields the same
// content reference.
type Archiver struct {
	store  Store
	signer *signing.Service
	logger *slog.Logger
}

func NewArchiver(store Store, signer *signing.Service, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:  store,
		signer: signer,
		logger: logger.With("component", "archive"),
	}
}

// ArchiveRecord bundles one ledger record with its canonical payload,
// signatures and the public key descriptor, stores the zip and returns its
// content reference.
func (a *Archiver) ArchiveRecord(ctx context.Context, rec ledger.ImpactRecord, payload []byte) (string, error) {
	sigs := bundleSignatures{
		ContentHash:       rec.EventHash,
		HMACSignature:     rec.HMACSignature,
		HMACKeyVersion:    rec.HMACKeyVersion,
		Ed25519Signature:  rec.Ed25519Signature,
		Ed25519KeyVersion: rec.Ed25519KeyVersion,
	}
	meta := map[string]interface{}{
		"kind":          "impact_record",
		"id":            rec.ID,
		"business_key":  rec.BusinessKey,
		"model_version": rec.ModelVersion,
	}
	return a.archive(ctx, payload, sigs, meta)
}

// ArchiveExport bundles one MRV export the same way.
func (a *Archiver) ArchiveExport(ctx context.Context, exp export.MRVExport, payload []byte) (string, error) {
	sigs := bundleSignatures{
		ContentHash:       exp.VerificationHash,
		HMACSignature:     exp.HMACSignature,
		HMACKeyVersion:    exp.HMACKeyVersion,
		Ed25519Signature:  exp.Ed25519Signature,
		Ed25519KeyVersion: exp.Ed25519KeyVersion,
	}
	meta := map[string]interface{}{
		"kind":                "mrv_export",
		"id":                  exp.ID,
		"period_start":        exp.PeriodStart.UTC().Format(time.RFC3339Nano),
		"period_end":          exp.PeriodEnd.UTC().Format(time.RFC3339Nano),
		"methodology_version": exp.MethodologyVersion,
	}
	return a.archive(ctx, payload, sigs, meta)
}

func (a *Archiver) archive(ctx context.Context, payload []byte, sigs bundleSignatures, meta map[string]interface{}) (string, error) {
	data, err := a.buildZip(payload, sigs, meta)
	if err != nil {
		return "", err
	}
	ref, err := a.store.Put(ctx, data)
	if err != nil {
		return "", err
	}
	a.logger.Info("evidence bundle stored", "kind", meta["kind"], "id", meta["id"], "ref", ref)
	return ref, nil
}

func (a *Archiver) buildZip(payload []byte, sigs bundleSignatures, meta map[string]interface{}) ([]byte, error) {
	sigJSON, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode signatures: %w", err)
	}
	keyJSON, err := json.MarshalIndent(a.signer.PublicKeyDescriptor(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode public key: %w", err)
	}

	entries := map[string][]byte{
		bundlePayload:   payload,
		bundleSignature: sigJSON,
		bundleKey:       keyJSON,
	}
	checksums := make(map[string]string, len(entries))
	for name, data := range entries {
		digest := sha256.Sum256(data)
		checksums[name] = hex.EncodeToString(digest[:])
	}

	manifest := map[string]interface{}{
		"checksums": checksums,
	}
	for k, v := range meta {
		manifest[k] = v
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, name := range []string{bundlePayload, bundleSignature, bundleKey} {
		f, err := w.Create(name)
		if err != nil {
			return nil, fmt.Errorf("archive: zip entry %s: %w", name, err)
		}
		if _, err := f.Write(entries[name]); err != nil {
			return nil, fmt.Errorf("archive: zip entry %s: %w", name, err)
		}
	}
	f, err := w.Create(bundleManifest)
	if err != nil {
		return nil, fmt.Errorf("archive: zip manifest: %w", err)
	}
	if _, err := f.Write(manifestJSON); err != nil {
		return nil, fmt.Errorf("archive: zip manifest: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("archive: close zip: %w", err)
	}
	return buf.Bytes(), nil
}
