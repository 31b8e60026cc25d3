package security

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
)

// Service is the CA's own runnable HTTPS component: GET /health,
// GET /ca/certificate, POST /certificates/csr. It serves its own TLS
// identity, signed by its own root CA, so that worker and controller bootstrap
// clients can reach it over https:// before they have any certificate of
// their own; those clients use the narrow verification-disabled
// bootstrap transport for exactly this reason.
type Service struct {
	provider Provider
	mux      *http.ServeMux
	http     *http.Server
}

// NewService builds a Service listening on addr, backed by provider and
// presenting tlsCfg to callers. Callers build tlsCfg from the same
// provider (DevelopmentCertificateProvider.ServerTLSConfig) when it is
// the concrete implementation; the split keeps Provider itself free of a
// transport-layer method for providers that source their own TLS
// identity differently (e.g. an HSM- or vault-backed provider).
func NewService(addr string, provider Provider, tlsCfg *tls.Config) (*Service, error) {
	s := &Service{provider: provider, mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ca/certificate", s.caCertificateHandler)
	s.mux.HandleFunc("/certificates/csr", s.csrHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		TLSConfig:    tlsCfg,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// ListenAndServe starts serving the CA's HTTPS endpoints. Certificate
// material is already installed in Server.TLSConfig so both arguments to
// ListenAndServeTLS are empty.
func (s *Service) ListenAndServe() error {
	return s.http.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops the HTTPS listener.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "healthy"
	code := http.StatusOK
	if !s.provider.Ready() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status, "provider": "development"})
}

func (s *Service) caCertificateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	certPEM, err := s.provider.CACertificatePEM()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ca_certificate": string(certPEM)})
}

type csrRequest struct {
	CSR         string `json:"csr"`
	ServiceName string `json:"service_name"`
}

func (s *Service) csrHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req csrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, apierr.NewValidationError("malformed JSON body"))
		return
	}
	if req.CSR == "" || req.ServiceName == "" {
		writeServiceError(w, apierr.NewValidationError("csr and service_name are required"))
		return
	}

	certPEM, err := s.provider.SignCSR([]byte(req.CSR), req.ServiceName)
	if err != nil {
		log.WithComponent("ca").Warn().Err(err).Str("service_name", req.ServiceName).Msg("CSR signing failed")
		writeServiceError(w, err)
		return
	}

	log.WithComponent("ca").Info().Str("service_name", req.ServiceName).Msg("certificate issued")
	writeJSON(w, http.StatusOK, map[string]string{"certificate": string(certPEM)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if apierr.CodeOf(err) == apierr.CodeValidation {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
