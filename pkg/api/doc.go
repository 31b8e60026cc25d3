/*
Package api implements the controller's HTTPS/mTLS API: registration,
heartbeat, deregistration, routing, and introspection over the
capability registry, plus health, readiness, and Prometheus endpoints.

# Endpoints

	GET    /health                 liveness, 503 if the registry's last journal write failed
	GET    /ready                  readiness, backed by a registry read
	GET    /metrics                Prometheus exposition
	POST   /register               {worker_id, worker_url, capabilities[]}
	POST   /heartbeat              {worker_id}
	DELETE /deregister/{worker_id}
	POST   /route                  {verb, capability, ...}
	GET    /capabilities
	GET    /workers

Every handler is a plain net/http.HandlerFunc held in a ServeMux built
once in NewServer — no reflection-based route registration.

# Middleware

RequireBearerToken wraps the write endpoints (register/heartbeat/
deregister) with an optional PLATFORM_AUTH_TOKEN check, layered on top
of the mTLS identity the transport already enforces. CorrelationID
wraps the whole mux, assigning and echoing a correlation ID on every
request; Instrument records per-request durations in the controller API
histogram.

# Error translation

Registry errors are apierr-typed; writeError maps each apierr.Code to
its HTTP status in one place rather than scattering http.Error calls
across handlers, and never exposes more than a short machine-readable
detail string to the caller.
*/
package api
