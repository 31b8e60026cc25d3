package events

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
)

// Kind is a certificate lifecycle event type. The taxonomy is closed: new
// kinds require a change to this list, not ad-hoc strings at call sites.
type Kind string

const (
	CertIssued         Kind = "cert_issued"
	CertRenewed        Kind = "cert_renewed"
	CSRGenerated       Kind = "csr_generated"
	CSRSubmitted       Kind = "csr_submitted"
	CertExpiringSoon   Kind = "cert_expiring_soon"
	CertExpired        Kind = "cert_expired"
	CertValidationFail Kind = "cert_validation_failed"
	CSRFailed          Kind = "csr_failed"
	CAUnavailable      Kind = "ca_unavailable"
	CertRevoked        Kind = "cert_revoked"
)

// allKinds drives handler-registry initialization.
var allKinds = []Kind{
	CertIssued, CertRenewed, CSRGenerated, CSRSubmitted, CertExpiringSoon,
	CertExpired, CertValidationFail, CSRFailed, CAUnavailable, CertRevoked,
}

// Context is the structured payload carried by every certificate lifecycle
// event: correlation ID, timestamp, worker identity, and opaque metadata.
type Context struct {
	Kind          Kind
	WorkerID      string
	CorrelationID string
	Timestamp     time.Time
	Metadata      map[string]any
}

func newContext(kind Kind, workerID, correlationID string, metadata map[string]any) Context {
	if correlationID == "" {
		correlationID = generateCorrelationID()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Context{
		Kind:          kind,
		WorkerID:      workerID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Metadata:      metadata,
	}
}

// generateCorrelationID produces IDs of the form "cert_<12 hex chars>".
func generateCorrelationID() string {
	return "cert_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Handler receives a fully populated Context. Emit is synchronous, so a
// slow handler delays whatever triggered the event; keep handlers cheap.
type Handler func(Context)

// Registry holds per-kind handler subscriptions. It logs a structured
// record and increments a Prometheus counter for every event regardless of
// whether any handler is registered for that kind.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewRegistry returns an empty Registry with a slot pre-allocated for every
// closed event Kind.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[Kind][]Handler, len(allKinds))}
	for _, k := range allKinds {
		r.handlers[k] = nil
	}
	return r
}

// On registers a callback invoked on every Emit of the given kind. Handlers
// run in registration order; order across different kinds is not defined.
func (r *Registry) On(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// Emit generates a correlation ID if absent, logs a structured record,
// increments the per-kind Prometheus counter, and invokes every registered
// handler for kind, isolating and logging (never propagating) a handler
// panic so one bad handler cannot break certificate bootstrap.
func (r *Registry) Emit(kind Kind, workerID, correlationID string, metadata map[string]any) Context {
	ctx := newContext(kind, workerID, correlationID, metadata)

	entry := log.WithCorrelationID(ctx.CorrelationID)
	entry.Info().
		Str("component", "events").
		Str("event", string(ctx.Kind)).
		Str("worker_id", ctx.WorkerID).
		Time("timestamp", ctx.Timestamp).
		Msg("certificate event")

	metrics.CertificateEventsTotal.WithLabelValues(string(kind)).Inc()

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[kind]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		invokeSafely(h, ctx)
	}

	return ctx
}

func invokeSafely(h Handler, ctx Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithComponent("events").Error().
				Str("event", string(ctx.Kind)).
				Str("correlation_id", ctx.CorrelationID).
				Interface("panic", rec).
				Msg("event handler panicked")
		}
	}()
	h(ctx)
}
