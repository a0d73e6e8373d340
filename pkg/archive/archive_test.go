package archive_test

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haldane-Systems/veriground/core/pkg/archive"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/secrets"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
)

func newSigner(t *testing.T) *signing.Service {
	t.Helper()
	svc, err := signing.New(context.Background(), signing.Config{
		Mode:                 signing.ModeDevelopment,
		HMACSecrets:          map[string]string{"v1": "ARCHIVE_HMAC_V1"},
		ActiveHMACVersion:    "v1",
		Ed25519Secrets:       map[string]string{"v1": "ARCHIVE_ED25519_V1"},
		ActiveEd25519Version: "v1",
	}, secrets.Static{}, nil)
	require.NoError(t, err)
	return svc
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte, len(r.File))
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = content
	}
	return out
}

func TestArchiveRecord_BundleContents(t *testing.T) {
	ctx := context.Background()
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	signer := newSigner(t)
	arch := archive.NewArchiver(store, signer, nil)

	payload := []byte(`{"business_key":"trip-1","measured_quantity":"10.500000"}`)
	rec := ledger.ImpactRecord{
		ID:                "rec-1",
		BusinessKey:       "trip-1",
		ModelVersion:      "v1",
		EventHash:         "abc123",
		HMACSignature:     "hmac-sig",
		HMACKeyVersion:    "v1",
		Ed25519Signature:  "ed-sig",
		Ed25519KeyVersion: "v1",
		EventTimestamp:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	ref, err := arch.ArchiveRecord(ctx, rec, payload)
	require.NoError(t, err)
	assert.Contains(t, ref, "sha256:")

	data, err := store.Get(ctx, ref)
	require.NoError(t, err)
	files := readZip(t, data)

	require.Contains(t, files, "canonical_payload.json")
	require.Contains(t, files, "signatures.json")
	require.Contains(t, files, "public_key.json")
	require.Contains(t, files, "MANIFEST.json")
	assert.Equal(t, payload, files["canonical_payload.json"])

	var sigs map[string]string
	require.NoError(t, json.Unmarshal(files["signatures.json"], &sigs))
	assert.Equal(t, "abc123", sigs["content_hash"])
	assert.Equal(t, "ed-sig", sigs["ed25519_signature"])

	var key signing.PublicKeyDescriptor
	require.NoError(t, json.Unmarshal(files["public_key.json"], &key))
	assert.Equal(t, "Ed25519", key.SignatureAlgorithm)
	assert.NotEmpty(t, key.PublicKey)

	// The manifest checksums cover every other entry.
	var manifest struct {
		Kind      string            `json:"kind"`
		Checksums map[string]string `json:"checksums"`
	}
	require.NoError(t, json.Unmarshal(files["MANIFEST.json"], &manifest))
	assert.Equal(t, "impact_record", manifest.Kind)
	for name, want := range manifest.Checksums {
		digest := sha256.Sum256(files[name])
		assert.Equal(t, want, hex.EncodeToString(digest[:]), name)
	}
}

func TestFileStore_IdempotentPut(t *testing.T) {
	ctx := context.Background()
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref1, err := store.Put(ctx, []byte("bundle"))
	require.NoError(t, err)
	ref2, err := store.Put(ctx, []byte("bundle"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)

	ok, err := store.Exists(ctx, ref1)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "sha256:"+string(bytes.Repeat([]byte("0"), 64)))
	assert.ErrorIs(t, err, archive.ErrNotFound)

	_, err = store.Get(ctx, "not-a-ref")
	assert.Error(t, err)
}
