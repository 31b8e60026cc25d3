package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/crankbird/crank-platform/pkg/metrics"
)

const correlationIDHeader = "X-Correlation-ID"

// RequireBearerToken gates next behind the PLATFORM_AUTH_TOKEN bearer
// check. An empty token disables the check (mTLS-only mode); once set,
// every write endpoint must present a matching "Authorization: Bearer
// <token>" header.
func RequireBearerToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != token {
			http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CorrelationID ensures every request carries a correlation ID, generating
// one when the caller didn't supply one, and echoes it back on the
// response so callers can correlate logs across the fleet.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// Instrument observes every request's duration in the controller API
// histogram. The worker id path segment of /deregister/{id} is collapsed
// so the label set stays bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		next.ServeHTTP(w, r)

		path := r.URL.Path
		if strings.HasPrefix(path, "/deregister/") {
			path = "/deregister"
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, path)
	})
}
