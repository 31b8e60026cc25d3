package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/transport"
)

// Server is the controller's HTTPS API: registration, heartbeat,
// deregistration, routing, and introspection over the capability
// registry, plus health/ready/metrics endpoints.
type Server struct {
	registry *registry.Registry
	mux      *http.ServeMux
	http     *transport.Server
}

// NewServer builds a Server bound to addr over mTLS using bundle's
// certificate material. authToken, if non-empty, is additionally
// required on every write endpoint via RequireBearerToken.
func NewServer(addr string, bundle security.Bundle, reg *registry.Registry, authToken string) (*Server, error) {
	s := &Server{registry: reg, mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.Handle("/register", RequireBearerToken(authToken, http.HandlerFunc(s.registerHandler)))
	s.mux.Handle("/heartbeat", RequireBearerToken(authToken, http.HandlerFunc(s.heartbeatHandler)))
	s.mux.Handle("/deregister/", RequireBearerToken(authToken, http.HandlerFunc(s.deregisterHandler)))
	s.mux.HandleFunc("/route", s.routeHandler)
	s.mux.HandleFunc("/capabilities", s.capabilitiesHandler)
	s.mux.HandleFunc("/workers", s.workersHandler)

	httpSrv, err := transport.NewServer(addr, bundle, CorrelationID(Instrument(s.mux)))
	if err != nil {
		return nil, err
	}
	s.http = httpSrv
	return s, nil
}

// ListenAndServe starts serving the controller API over HTTPS/mTLS.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServeTLS()
}

// Shutdown gracefully stops the HTTPS listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// healthHandler reports "degraded" with 503 when the registry's last
// journal write failed, and "healthy" with 200 otherwise.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.registry.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "degraded",
			"service": "controller",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "controller",
	})
}

// readyHandler reports whether the registry can currently be read and
// its journal is writable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = s.registry.GetAllWorkers()
	status := "ready"
	journal := "ok"
	code := http.StatusOK
	if !s.registry.Healthy() {
		status = "not_ready"
		journal = "unwritable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": map[string]string{"journal": journal},
	})
}

type registerRequest struct {
	WorkerID     string                `json:"worker_id"`
	WorkerURL    string                `json:"worker_url"`
	Capabilities []registry.Definition `json:"capabilities"`
	Metadata     map[string]any        `json:"metadata,omitempty"`
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "POST", "/register", apierr.NewValidationError("malformed JSON body"))
		return
	}

	result, err := s.registry.Register(req.WorkerID, req.WorkerURL, req.Capabilities, req.Metadata)
	if err != nil {
		log.WithComponent("api").Warn().Err(err).Str("worker_id", req.WorkerID).Msg("registration rejected")
		writeError(w, "POST", "/register", err)
		return
	}
	metrics.APIRequestsTotal.WithLabelValues("POST", "/register", "200").Inc()
	writeJSON(w, http.StatusOK, result)
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "POST", "/heartbeat", apierr.NewValidationError("malformed JSON body"))
		return
	}

	result, err := s.registry.Heartbeat(req.WorkerID)
	if err != nil {
		writeError(w, "POST", "/heartbeat", err)
		return
	}
	status := http.StatusOK
	if result.Status == "unknown_worker" {
		status = http.StatusNotFound
	}
	metrics.APIRequestsTotal.WithLabelValues("POST", "/heartbeat", strconv.Itoa(status)).Inc()
	writeJSON(w, status, result)
}

func (s *Server) deregisterHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workerID := strings.TrimPrefix(r.URL.Path, "/deregister/")
	if workerID == "" {
		writeError(w, "DELETE", "/deregister", apierr.NewValidationError("worker_id path segment must not be empty"))
		return
	}

	if err := s.registry.Deregister(workerID); err != nil {
		writeError(w, "DELETE", "/deregister", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered", "worker_id": workerID})
}

type routeRequest struct {
	Verb           string         `json:"verb"`
	Capability     string         `json:"capability"`
	SLOConstraints map[string]any `json:"slo_constraints,omitempty"`
	RequesterID    string         `json:"requester_identity,omitempty"`
	BudgetTokens   *float64       `json:"budget_tokens,omitempty"`
}

func (s *Server) routeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "POST", "/route", apierr.NewValidationError("malformed JSON body"))
		return
	}

	rec, err := s.registry.Route(req.Verb, req.Capability, req.SLOConstraints, req.RequesterID, req.BudgetTokens)
	if err != nil {
		writeError(w, "POST", "/route", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"worker_id":  rec.WorkerID,
		"worker_url": rec.WorkerURL,
		"capability": string(registry.KeyFor(req.Verb, req.Capability)),
	})
}

func (s *Server) capabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := make(map[string]registry.CapabilitySummary)
	for key, summary := range s.registry.GetAllCapabilities() {
		out[string(key)] = summary
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) workersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetAllWorkers())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a typed error into the matching HTTP status and
// a response carrying a machine-readable detail string, never a stack
// trace.
func writeError(w http.ResponseWriter, method, path string, err error) {
	status := http.StatusInternalServerError
	switch apierr.CodeOf(err) {
	case apierr.CodeValidation:
		status = http.StatusBadRequest
	case apierr.CodeNotFound:
		status = http.StatusNotFound
	case apierr.CodePersistence, apierr.CodeCertificate:
		status = http.StatusInternalServerError
	case apierr.CodeTransient:
		status = http.StatusBadGateway
	}
	metrics.APIRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
