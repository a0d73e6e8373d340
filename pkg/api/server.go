package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// WellKnownKeyPath is the fixed discovery alias for the public key
// endpoint.
const WellKnownKeyPath = "/.well-known/veriground/public-key"

// Routes builds the full HTTP mux for the service.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/v1/ledger/records", s.HandleAppendRecord)
	mux.HandleFunc("/api/v1/ledger/records/{id}", s.HandleGetRecord)
	mux.HandleFunc("/api/v1/ledger/records/{id}/verification", s.HandleVerifyRecord)
	mux.HandleFunc("/api/v1/ledger/records/{id}/archive", s.HandleArchiveRecord)

	mux.HandleFunc("/api/v1/mrv/exports", s.HandleBuildExport)
	mux.HandleFunc("/api/v1/mrv/exports/{id}", s.HandleGetExport)
	mux.HandleFunc("/api/v1/mrv/exports/{id}/verification", s.HandleVerifyExport)
	mux.HandleFunc("/api/v1/mrv/exports/{id}/attestation", s.HandleExportAttestation)
	mux.HandleFunc("/api/v1/mrv/exports/{id}/archive", s.HandleArchiveExport)

	mux.HandleFunc("/api/v1/methodology/versions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.HandleRegisterMethodology(w, r)
		case http.MethodGet:
			s.HandleListMethodologies(w, r)
		default:
			WriteMethodNotAllowed(w)
		}
	})
	mux.HandleFunc("/api/v1/methodology/versions/{version}/activate", s.HandleActivateMethodology)
	mux.HandleFunc("/api/v1/methodology/versions/{version}/deprecate", s.HandleDeprecateMethodology)
	mux.HandleFunc("/api/v1/methodology/active", s.HandleActiveMethodology)

	mux.HandleFunc("/api/v1/keys/public", s.HandlePublicKey)
	mux.HandleFunc(WellKnownKeyPath, s.HandlePublicKey)

	mux.HandleFunc("/api/v1/status/secrets", s.HandleSecretsStatus)

	return mux
}

// Server wraps http.Server with sane timeouts and graceful shutdown.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.http.Shutdown(ctx)
}
