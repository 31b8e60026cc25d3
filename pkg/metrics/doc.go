/*
Package metrics defines and registers the controller and worker Prometheus
metrics and exposes them at /metrics via promhttp.Handler().

Categories: registry (workers total/healthy, registrations, heartbeats by
outcome, journal write latency), routing (route requests by hit/miss),
controller API (request count/duration by method+path+status), and
certificate lifecycle (one counter per CertificateEvent kind, CSR
generation latency).

The /health and /ready handlers are backed directly by the registry's own
journal-health flag (pkg/registry.Registry.Healthy), not by a separate
tracker, so their response shape matches the controller API contract
exactly rather than a generic multi-field status document.
*/
package metrics
