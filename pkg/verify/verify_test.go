package verify_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Haldane-Systems/veriground/core/pkg/canonicalize"
	"github.com/Haldane-Systems/veriground/core/pkg/export"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/outbox"
	"github.com/Haldane-Systems/veriground/core/pkg/secrets"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
	"github.com/Haldane-Systems/veriground/core/pkg/store"
	"github.com/Haldane-Systems/veriground/core/pkg/verify"
)

type fixture struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	engine   *export.Engine
	registry methodology.Registry
	signer   *signing.Service
	verifier *verify.Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// modernc sqlite: a single connection keeps :memory: stable across queries.
	db.SetMaxOpenConns(1)

	reg := methodology.NewSQLRegistry(db)
	require.NoError(t, reg.Init(ctx))
	require.NoError(t, reg.Register(ctx, methodology.Version{
		Version:              "1.0.0",
		BaselineReference:    "baseline/ipcc-2024",
		FactorTableReference: "factors/grid-2024",
	}))
	require.NoError(t, reg.Activate(ctx, "1.0.0"))

	factors := methodology.StaticFactorSource{
		"factors/grid-2024": methodology.FactorTable{
			"DE": canonicalize.MustDecimal("0.5"),
		},
	}

	signer, err := signing.New(ctx, signing.Config{
		Mode:                 signing.ModeDevelopment,
		HMACSecrets:          map[string]string{"v1": "VERIFY_HMAC_V1"},
		ActiveHMACVersion:    "v1",
		Ed25519Secrets:       map[string]string{"v1": "VERIFY_ED25519_V1"},
		ActiveEd25519Version: "v1",
	}, secrets.Static{}, nil)
	require.NoError(t, err)

	ob := outbox.NewSQLStore(db)
	require.NoError(t, ob.Init(ctx))

	led := ledger.New(db, reg, factors, signer, ob, nil)
	require.NoError(t, led.Init(ctx))

	evaluator, err := methodology.NewEvaluator()
	require.NoError(t, err)
	st := export.NewSQLStore(db)
	require.NoError(t, st.Init(ctx))
	eng := export.NewEngine(db, led, reg, evaluator, signer, ob, st, nil)

	return &fixture{
		db:       db,
		ledger:   led,
		engine:   eng,
		registry: reg,
		signer:   signer,
		verifier: verify.New(led, st, reg, signer, nil),
	}
}

var (
	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func TestEndToEnd_AppendVerifyExportVerify(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.EventHash)

	res, err := fx.verifier.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.HMACValid)
	assert.True(t, res.Ed25519Valid)
	assert.True(t, res.MethodologyValid)
	assert.True(t, res.Verified)
	assert.Empty(t, res.Reason)
	assert.Equal(t, "v1", res.HMACKeyVersion)

	exp, err := fx.engine.Build(ctx, t0, t1)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.Dedup.RawCount)
	assert.Equal(t, 1, exp.Dedup.SelectedCount)

	eres, err := fx.verifier.Export(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, eres.Verified, "reason: %s", eres.Reason)
}

func TestRecord_TamperedPayload(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0,
	})
	require.NoError(t, err)

	_, payload, err := fx.ledger.GetRaw(ctx, rec.ID)
	require.NoError(t, err)
	tampered := []byte(`{"measured_quantity":"999.000000"}`)
	require.NotEqual(t, payload, tampered)
	_, err = fx.db.ExecContext(ctx,
		`UPDATE impact_records SET canonical_payload = $1 WHERE id = $2`, tampered, rec.ID)
	require.NoError(t, err)

	res, err := fx.verifier.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, res.HashValid)
	assert.False(t, res.Verified)
	assert.Equal(t, verify.ReasonPayloadTampered, res.Reason)
}

func TestRecord_TamperedSignature(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0,
	})
	require.NoError(t, err)

	_, err = fx.db.ExecContext(ctx,
		`UPDATE impact_records SET hmac_signature = $1 WHERE id = $2`,
		"deadbeef"+rec.HMACSignature[8:], rec.ID)
	require.NoError(t, err)

	res, err := fx.verifier.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.False(t, res.HMACValid)
	assert.True(t, res.Ed25519Valid)
	assert.Equal(t, verify.ReasonInvalidSignature, res.Reason)
}

func TestRecord_ChecksumBindingBroken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0,
	})
	require.NoError(t, err)

	// Re-pointing the row at another business key breaks the checksum
	// binding while leaving payload and signatures intact.
	_, err = fx.db.ExecContext(ctx,
		`UPDATE impact_records SET business_key = 'trip-2' WHERE id = $1`, rec.ID)
	require.NoError(t, err)

	res, err := fx.verifier.Record(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.HMACValid)
	assert.False(t, res.MethodologyValid)
	assert.Equal(t, verify.ReasonMethodologyMismatch, res.Reason)
}

func TestExport_MethodologyDriftDetected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0.Add(time.Hour),
	})
	require.NoError(t, err)
	exp, err := fx.engine.Build(ctx, t0, t1)
	require.NoError(t, err)

	// Rewrite the registered version's descriptor underneath the export.
	_, err = fx.db.ExecContext(ctx,
		`UPDATE methodology_versions SET baseline_reference = 'baseline/other' WHERE version = '1.0.0'`)
	require.NoError(t, err)

	res, err := fx.verifier.Export(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.HMACValid)
	assert.True(t, res.Ed25519Valid)
	assert.False(t, res.MethodologyValid)
	assert.Equal(t, verify.ReasonMethodologyMismatch, res.Reason)
}

func TestExport_ActiveVersionSwapDetected(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0.Add(time.Hour),
	})
	require.NoError(t, err)
	exp, err := fx.engine.Build(ctx, t0, t1)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", exp.MethodologyVersion)

	// Retire 1.0.0 and promote a successor: the export's descriptor and
	// signatures are untouched, but the active methodology has moved on.
	require.NoError(t, fx.registry.Register(ctx, methodology.Version{
		Version:              "2.0.0",
		BaselineReference:    "baseline/ipcc-2026",
		FactorTableReference: "factors/grid-2026",
	}))
	require.NoError(t, fx.registry.Deprecate(ctx, "1.0.0"))
	require.NoError(t, fx.registry.Activate(ctx, "2.0.0"))

	res, err := fx.verifier.Export(ctx, exp.ID)
	require.NoError(t, err)
	assert.True(t, res.HashValid)
	assert.True(t, res.HMACValid)
	assert.True(t, res.Ed25519Valid)
	assert.False(t, res.MethodologyValid)
	assert.False(t, res.Verified)
	assert.Equal(t, verify.ReasonMethodologyMismatch, res.Reason)
}

func TestExport_NoActiveVersionFailsMethodologyCheck(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0.Add(time.Hour),
	})
	require.NoError(t, err)
	exp, err := fx.engine.Build(ctx, t0, t1)
	require.NoError(t, err)

	require.NoError(t, fx.registry.Deprecate(ctx, "1.0.0"))

	res, err := fx.verifier.Export(ctx, exp.ID)
	require.NoError(t, err)
	assert.False(t, res.MethodologyValid)
	assert.Equal(t, verify.ReasonMethodologyMismatch, res.Reason)
}

func TestDetachedRecord_PublicKeyOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rec, err := fx.ledger.Append(ctx, ledger.Event{
		BusinessKey:      "trip-1",
		ModelVersion:     "v1",
		MeasuredQuantity: canonicalize.MustDecimal("10.5"),
		RegionCode:       "DE",
		EventTimestamp:   t0,
	})
	require.NoError(t, err)
	_, payload, err := fx.ledger.GetRaw(ctx, rec.ID)
	require.NoError(t, err)

	// Only the public keyring, the payload and the signature: what a
	// third-party auditor would hold.
	ok, err := verify.DetachedRecord(payload, rec.Ed25519Signature, rec.Ed25519KeyVersion, fx.signer.PublicKeys())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verify.DetachedRecord(payload, rec.Ed25519Signature, "v9", fx.signer.PublicKeys())
	require.NoError(t, err)
	assert.True(t, ok, "unknown declared version falls back to keyring scan")

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] ^= 0x01
	ok, _ = verify.DetachedRecord(tampered, rec.Ed25519Signature, rec.Ed25519KeyVersion, fx.signer.PublicKeys())
	assert.False(t, ok)
}
