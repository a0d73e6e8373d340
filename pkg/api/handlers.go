package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/Haldane-Systems/veriground/core/pkg/archive"
	"github.com/Haldane-Systems/veriground/core/pkg/export"
	"github.com/Haldane-Systems/veriground/core/pkg/ledger"
	"github.com/Haldane-Systems/veriground/core/pkg/methodology"
	"github.com/Haldane-Systems/veriground/core/pkg/secrets"
	"github.com/Haldane-Systems/veriground/core/pkg/signing"
	"github.com/Haldane-Systems/veriground/core/pkg/verify"
)

// Service bundles the collaborators the HTTP handlers need.
type Service struct {
	Ledger          *ledger.Ledger
	Exports         *export.SQLStore
	Engine          *export.Engine
	Registry        methodology.Registry
	Verifier        *verify.Verifier
	Archiver        *archive.Archiver
	Signer          *signing.Service
	Secrets         secrets.Resolver
	RequiredSecrets []string
	AttestationTTL  time.Duration
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAppendRecord handles POST /api/v1/ledger/records.
func (s *Service) HandleAppendRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}
	ev, err := ledger.ParseEvent(raw)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	rec, err := s.Ledger.Append(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, rec)
	case errors.Is(err, ledger.ErrDuplicateRecord):
		WriteConflict(w, err.Error())
	case errors.Is(err, methodology.ErrNotConfigured),
		errors.Is(err, methodology.ErrCountryFactorNotConfigured):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// HandleGetRecord handles GET /api/v1/ledger/records/{id}.
func (s *Service) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	rec, err := s.Ledger.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrRecordNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleVerifyRecord handles GET /api/v1/ledger/records/{id}/verification.
func (s *Service) HandleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	res, err := s.Verifier.Record(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrRecordNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleArchiveRecord handles POST /api/v1/ledger/records/{id}/archive.
// It captures the record's canonical payload, signatures and public key
// into a content-addressed evidence bundle and returns its reference.
func (s *Service) HandleArchiveRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	rec, payload, err := s.Ledger.GetRaw(r.Context(), r.PathValue("id"))
	if errors.Is(err, ledger.ErrRecordNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	ref, err := s.Archiver.ArchiveRecord(r.Context(), rec, payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"bundle_ref": ref})
}

// BuildExportRequest is the wire format for requesting an MRV export.
type BuildExportRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// HandleBuildExport handles POST /api/v1/mrv/exports.
func (s *Service) HandleBuildExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req BuildExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.PeriodStart.IsZero() || req.PeriodEnd.IsZero() {
		WriteBadRequest(w, "period_start and period_end are required")
		return
	}

	exp, err := s.Engine.Build(r.Context(), req.PeriodStart, req.PeriodEnd)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, exp)
	case errors.Is(err, export.ErrDuplicatePeriod):
		WriteConflict(w, err.Error())
	case errors.Is(err, export.ErrEmptyWindow):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, methodology.ErrNotConfigured):
		WriteUnprocessable(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// HandleGetExport handles GET /api/v1/mrv/exports/{id}.
func (s *Service) HandleGetExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	exp, err := s.Exports.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrExportNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// HandleVerifyExport handles GET /api/v1/mrv/exports/{id}/verification.
func (s *Service) HandleVerifyExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	res, err := s.Verifier.Export(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrExportNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleArchiveExport handles POST /api/v1/mrv/exports/{id}/archive.
func (s *Service) HandleArchiveExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	exp, payload, err := s.Exports.GetRaw(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrExportNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	ref, err := s.Archiver.ArchiveExport(r.Context(), exp, payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"bundle_ref": ref})
}

// HandleExportAttestation handles GET /api/v1/mrv/exports/{id}/attestation.
func (s *Service) HandleExportAttestation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	exp, err := s.Exports.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, export.ErrExportNotFound) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}

	ttl := s.AttestationTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := export.AttestationToken(s.Signer, exp, ttl)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":             token,
		"export_id":         exp.ID,
		"verification_hash": exp.VerificationHash,
	})
}

// HandlePublicKey handles GET /api/v1/keys/public and the well-known alias.
func (s *Service) HandlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Signer.PublicKeyDescriptor())
}

// HandleSecretsStatus handles GET /api/v1/status/secrets. It reports
// per-secret health (OK / MISSING / INVALID) without ever echoing values.
func (s *Service) HandleSecretsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, secrets.Health(r.Context(), s.Secrets, s.RequiredSecrets))
}

// RegisterMethodologyRequest is the wire format for registering a version.
type RegisterMethodologyRequest struct {
	Version              string   `json:"version"`
	BaselineReference    string   `json:"baseline_reference"`
	FactorTableReference string   `json:"factor_table_reference"`
	GeographicScope      []string `json:"geographic_scope,omitempty"`
	EligibilityExpr      string   `json:"eligibility_expr,omitempty"`
}

// HandleRegisterMethodology handles POST /api/v1/methodology/versions.
func (s *Service) HandleRegisterMethodology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req RegisterMethodologyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	v := methodology.Version{
		Version:              req.Version,
		BaselineReference:    req.BaselineReference,
		FactorTableReference: req.FactorTableReference,
		GeographicScope:      req.GeographicScope,
		EligibilityExpr:      req.EligibilityExpr,
	}
	if err := v.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := s.Registry.Register(r.Context(), v); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// HandleActivateMethodology handles POST /api/v1/methodology/versions/{version}/activate.
func (s *Service) HandleActivateMethodology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	version := r.PathValue("version")
	err := s.Registry.Activate(r.Context(), version)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"version": version, "status": string(methodology.StatusActive)})
	case errors.Is(err, methodology.ErrAlreadyActive):
		WriteConflict(w, err.Error())
	case errors.Is(err, methodology.ErrVersionNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// HandleDeprecateMethodology handles POST /api/v1/methodology/versions/{version}/deprecate.
func (s *Service) HandleDeprecateMethodology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	version := r.PathValue("version")
	err := s.Registry.Deprecate(r.Context(), version)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"version": version, "status": string(methodology.StatusDeprecated)})
	case errors.Is(err, methodology.ErrVersionNotFound):
		WriteNotFound(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// HandleActiveMethodology handles GET /api/v1/methodology/active.
func (s *Service) HandleActiveMethodology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	v, err := s.Registry.ResolveActive(r.Context())
	if errors.Is(err, methodology.ErrNotConfigured) {
		WriteNotFound(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// HandleListMethodologies handles GET /api/v1/methodology/versions.
func (s *Service) HandleListMethodologies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	versions, err := s.Registry.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}
