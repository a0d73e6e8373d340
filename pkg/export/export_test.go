package export_test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
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
)

type fixture struct {
	db     *sql.DB
	ledger *ledger.Ledger
	engine *export.Engine
	store  *export.SQLStore
	outbox *outbox.SQLStore
	signer *signing.Service
}

func newFixture(t *testing.T, version methodology.Version) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	// modernc sqlite: a single connection keeps :memory: stable across queries.
	db.SetMaxOpenConns(1)

	reg := methodology.NewSQLRegistry(db)
	require.NoError(t, reg.Init(ctx))
	require.NoError(t, reg.Register(ctx, version))
	require.NoError(t, reg.Activate(ctx, version.Version))

	factors := methodology.StaticFactorSource{
		"factors/grid-2024": methodology.FactorTable{
			"DE": canonicalize.MustDecimal("0.5"),
			"FR": canonicalize.MustDecimal("0.1"),
		},
	}

	signer, err := signing.New(ctx, signing.Config{
		Mode:                 signing.ModeDevelopment,
		HMACSecrets:          map[string]string{"v1": "EXPORT_HMAC_V1"},
		ActiveHMACVersion:    "v1",
		Ed25519Secrets:       map[string]string{"v1": "EXPORT_ED25519_V1"},
		ActiveEd25519Version: "v1",
	}, secrets.Static{}, nil)
	require.NoError(t, err)

	ob := outbox.NewSQLStore(db)
	require.NoError(t, ob.Init(ctx))

	led := ledger.New(db, reg, factors, signer, ob, nil)
	require.NoError(t, led.Init(ctx))
	// Deterministic, strictly increasing creation times so the
	// latest-wins dedup rule has an unambiguous winner.
	var tick int
	led.WithClock(func() time.Time {
		tick++
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Second)
	})

	evaluator, err := methodology.NewEvaluator()
	require.NoError(t, err)

	st := export.NewSQLStore(db)
	require.NoError(t, st.Init(ctx))
	eng := export.NewEngine(db, led, reg, evaluator, signer, ob, st, nil)

	return &fixture{db: db, ledger: led, engine: eng, store: st, outbox: ob, signer: signer}
}

func baseVersion() methodology.Version {
	return methodology.Version{
		Version:              "1.0.0",
		BaselineReference:    "baseline/ipcc-2024",
		FactorTableReference: "factors/grid-2024",
	}
}

func appendRecord(t *testing.T, fx *fixture, businessKey, modelVersion, quantity, region string, ts time.Time) ledger.ImpactRecord {
	t.Helper()
	rec, err := fx.ledger.Append(context.Background(), ledger.Event{
		BusinessKey:      businessKey,
		ModelVersion:     modelVersion,
		MeasuredQuantity: canonicalize.MustDecimal(quantity),
		RegionCode:       region,
		EventTimestamp:   ts,
	})
	require.NoError(t, err)
	return rec
}

var (
	periodStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func TestBuild_AggregatesAndSigns(t *testing.T) {
	fx := newFixture(t, baseVersion())
	ctx := context.Background()

	ts := periodStart.Add(24 * time.Hour)
	appendRecord(t, fx, "trip-1", "v1", "10.5", "DE", ts)
	appendRecord(t, fx, "trip-2", "v1", "4", "FR", ts)

	exp, err := fx.engine.Build(ctx, periodStart, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, 2, exp.RecordCount)
	assert.Equal(t, "14.500000", exp.TotalMeasured.String())
	// 10.5*0.5 + 4*0.1
	assert.Equal(t, "5.650000", exp.TotalDerived.String())
	assert.Equal(t, "1.0.0", exp.MethodologyVersion)
	assert.NotEmpty(t, exp.MethodologyHash)
	assert.Equal(t, 0, exp.Dedup.RemovedCount)
	assert.NotEmpty(t, exp.Dedup.ProofHash)

	// The persisted payload hashes to the verification hash, and both
	// signature planes verify.
	stored, payload, err := fx.store.GetRaw(ctx, exp.ID)
	require.NoError(t, err)
	digest := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(digest[:]), stored.VerificationHash)

	outcome := fx.signer.Verify(digest[:], signing.SignatureSet{
		ContentHash:       stored.VerificationHash,
		HMACSignature:     stored.HMACSignature,
		HMACKeyVersion:    stored.HMACKeyVersion,
		Ed25519Signature:  stored.Ed25519Signature,
		Ed25519KeyVersion: stored.Ed25519KeyVersion,
	}, signing.PurposeMRVExport)
	assert.True(t, outcome.HMACValid)
	assert.True(t, outcome.Ed25519Valid)

	// The export notification rides the same transaction.
	pending, err := fx.outbox.ListByStatus(ctx, outbox.StatusPending)
	require.NoError(t, err)
	var topics []string
	for _, ev := range pending {
		topics = append(topics, ev.Topic)
	}
	assert.Contains(t, topics, outbox.TopicMRVExported)
}

func TestBuild_DeduplicatesByBusinessKey(t *testing.T) {
	fx := newFixture(t, baseVersion())
	ctx := context.Background()

	ts := periodStart.Add(24 * time.Hour)
	appendRecord(t, fx, "trip-1", "v1", "10", "DE", ts)
	appendRecord(t, fx, "trip-1", "v2", "12", "DE", ts)
	appendRecord(t, fx, "trip-1", "v3", "14", "DE", ts)
	appendRecord(t, fx, "trip-2", "v1", "1", "DE", ts)

	exp, err := fx.engine.Build(ctx, periodStart, periodEnd)
	require.NoError(t, err)

	assert.Equal(t, 2, exp.RecordCount)
	assert.Equal(t, 4, exp.Dedup.RawCount)
	assert.Equal(t, 2, exp.Dedup.SelectedCount)
	assert.Equal(t, 2, exp.Dedup.RemovedCount)
	assert.Equal(t, []string{"trip-1"}, exp.Dedup.DuplicateKeys)
	assert.Equal(t, map[string]int{"trip-1": 3}, exp.Dedup.DuplicateFrequencies)

	// Most recently created wins: the v3 append is the latest for trip-1.
	assert.Equal(t, "15.000000", exp.TotalMeasured.String())
}

func TestBuild_DuplicatePeriodRejected(t *testing.T) {
	fx := newFixture(t, baseVersion())
	ctx := context.Background()

	appendRecord(t, fx, "trip-1", "v1", "10", "DE", periodStart.Add(time.Hour))

	_, err := fx.engine.Build(ctx, periodStart, periodEnd)
	require.NoError(t, err)

	_, err = fx.engine.Build(ctx, periodStart, periodEnd)
	assert.ErrorIs(t, err, export.ErrDuplicatePeriod)

	// The rejected build must not leak an outbox notification.
	pending, err := fx.outbox.ListByStatus(ctx, outbox.StatusPending)
	require.NoError(t, err)
	var exported int
	for _, ev := range pending {
		if ev.Topic == outbox.TopicMRVExported {
			exported++
		}
	}
	assert.Equal(t, 1, exported)

	// A different window is fine.
	_, err = fx.engine.Build(ctx, periodEnd, periodEnd.AddDate(0, 3, 0))
	assert.ErrorIs(t, err, export.ErrEmptyWindow)
}

func TestBuild_EligibilityFilter(t *testing.T) {
	v := baseVersion()
	v.EligibilityExpr = `region == "DE"`
	fx := newFixture(t, v)
	ctx := context.Background()

	ts := periodStart.Add(time.Hour)
	appendRecord(t, fx, "trip-1", "v1", "10", "DE", ts)
	appendRecord(t, fx, "trip-1", "v2", "12", "DE", ts)
	appendRecord(t, fx, "trip-2", "v1", "99", "FR", ts)
	appendRecord(t, fx, "trip-3", "v1", "7", "FR", ts)

	exp, err := fx.engine.Build(ctx, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.RecordCount)
	assert.Equal(t, "12.000000", exp.TotalMeasured.String())

	// Filtered records do not vanish from the proof: the raw count still
	// covers the whole window, with the exclusions accounted separately.
	assert.Equal(t, 4, exp.Dedup.RawCount)
	assert.Equal(t, 2, exp.Dedup.ExcludedCount)
	assert.Equal(t, 1, exp.Dedup.SelectedCount)
	assert.Equal(t, 1, exp.Dedup.RemovedCount)
	assert.Equal(t, []string{"trip-1"}, exp.Dedup.DuplicateKeys)
	assert.NotEmpty(t, exp.Dedup.ProofHash)
}

func TestBuild_EmptyWindow(t *testing.T) {
	fx := newFixture(t, baseVersion())
	_, err := fx.engine.Build(context.Background(), periodStart, periodEnd)
	assert.ErrorIs(t, err, export.ErrEmptyWindow)
}

func TestAttestationToken_RoundTrip(t *testing.T) {
	fx := newFixture(t, baseVersion())
	ctx := context.Background()

	appendRecord(t, fx, "trip-1", "v1", "10", "DE", periodStart.Add(time.Hour))
	exp, err := fx.engine.Build(ctx, periodStart, periodEnd)
	require.NoError(t, err)

	token, err := export.AttestationToken(fx.signer, exp, time.Hour)
	require.NoError(t, err)

	claims, err := export.ParseAttestation(token, fx.signer.AttestationKeyFunc())
	require.NoError(t, err)
	assert.Equal(t, exp.ID, claims.Subject)
	assert.Equal(t, exp.VerificationHash, claims.VerificationHash)
	assert.Equal(t, "1.0.0", claims.MethodologyVersion)

	_, err = export.ParseAttestation(token+"x", fx.signer.AttestationKeyFunc())
	assert.Error(t, err)
}
