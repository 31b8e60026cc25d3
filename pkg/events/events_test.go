package events

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitGeneratesCorrelationIDWhenAbsent(t *testing.T) {
	r := NewRegistry()
	ctx := r.Emit(CSRGenerated, "worker-1", "", nil)

	assert.Regexp(t, regexp.MustCompile(`^cert_[0-9a-f]{12}$`), ctx.CorrelationID)
}

func TestEmitPreservesSuppliedCorrelationID(t *testing.T) {
	r := NewRegistry()
	ctx := r.Emit(CSRSubmitted, "worker-1", "cert_abcdef123456", nil)

	assert.Equal(t, "cert_abcdef123456", ctx.CorrelationID)
}

func TestEmitInvokesHandlersInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.On(CertIssued, func(Context) { order = append(order, "first") })
	r.On(CertIssued, func(Context) { order = append(order, "second") })

	r.Emit(CertIssued, "worker-1", "", map[string]any{"cert_file": "/etc/certs/client.crt"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestEmitDoesNotInvokeHandlersForOtherKinds(t *testing.T) {
	r := NewRegistry()
	called := false
	r.On(CertExpired, func(Context) { called = true })

	r.Emit(CertIssued, "worker-1", "", nil)
	assert.False(t, called)
}

func TestEmitIsolatesPanickingHandler(t *testing.T) {
	r := NewRegistry()
	var survived bool
	r.On(CSRFailed, func(Context) { panic("handler bug") })
	r.On(CSRFailed, func(Context) { survived = true })

	require.NotPanics(t, func() {
		r.Emit(CSRFailed, "worker-1", "", map[string]any{"phase": "csr_submission"})
	})
	assert.True(t, survived, "handlers after the panicking one must still run")
}

func TestEmitCarriesMetadataVerbatim(t *testing.T) {
	r := NewRegistry()
	var got map[string]any
	r.On(CAUnavailable, func(ctx Context) { got = ctx.Metadata })

	r.Emit(CAUnavailable, "system", "", map[string]any{"attempt": 2, "max_retries": 3})
	require.NotNil(t, got)
	assert.Equal(t, 2, got["attempt"])
	assert.Equal(t, 3, got["max_retries"])
}

func TestEmitDefaultsNilMetadataToEmptyMap(t *testing.T) {
	r := NewRegistry()
	ctx := r.Emit(CertRevoked, "worker-1", "", nil)
	assert.NotNil(t, ctx.Metadata)
	assert.Empty(t, ctx.Metadata)
}
