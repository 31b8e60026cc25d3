package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.jsonl")
	j, err := OpenJournal(path)
	require.NoError(t, err)
	r, err := New(j, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func sampleCap(id, verb string) Definition {
	return Definition{
		ID:      id,
		Verb:    verb,
		Version: Version{Major: 1},
	}
}

func TestRegisterAndRoute(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "registered", res.Status)
	assert.Equal(t, 1, res.CapabilitiesRegistered)

	rec, err := r.Route("invoke", "summarize", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.WorkerID)
}

func TestRegisterRejectsNonHTTPSURL(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("worker-1", "http://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}

func TestRegisterRejectsDuplicateCapabilityID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{
		sampleCap("summarize", "invoke"),
		sampleCap("summarize", "invoke"),
	}, nil)
	require.Error(t, err)
}

func TestRegistrationMetadataSurvivesReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	r1, err := New(j1)
	require.NoError(t, err)

	metadata := map[string]any{"env_profile": "gpu", "zone": "rack-7"}
	_, err = r1.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, metadata)
	require.NoError(t, err)

	rec, err := r1.Route("invoke", "summarize", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "gpu", rec.RegistrationMetadata["env_profile"])
	require.NoError(t, r1.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	r2, err := New(j2)
	require.NoError(t, err)
	defer r2.Close()

	rec, err = r2.Route("invoke", "summarize", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "rack-7", rec.RegistrationMetadata["zone"])
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := newTestRegistry(t)

	res, err := r.Heartbeat("ghost")
	require.NoError(t, err)
	assert.Equal(t, "unknown_worker", res.Status)
	assert.False(t, res.Acknowledged)
}

func TestRouteSkipsExpiredWorker(t *testing.T) {
	r := newTestRegistry(t, WithHeartbeatTimeout(10*time.Millisecond))

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = r.Route("invoke", "summarize", nil, "", nil)
	require.Error(t, err)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestRouteTieBreaksOnEarliestRegistration(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)
	_, err = r.Register("worker-2", "https://worker-2.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)

	rec, err := r.Route("invoke", "summarize", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.WorkerID)
}

func TestReregistrationReplacesCapabilities(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)
	_, err = r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("translate", "invoke")}, nil)
	require.NoError(t, err)

	_, err = r.Route("invoke", "summarize", nil, "", nil)
	assert.Error(t, err, "old capability should have been pruned on re-registration")

	rec, err := r.Route("invoke", "translate", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.WorkerID)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Deregister("never-registered"))

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Deregister("worker-1"))
	require.NoError(t, r.Deregister("worker-1"))

	workers := r.GetAllWorkers()
	assert.Len(t, workers, 0)
}

func TestRecoveryReplaysJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	r1, err := New(j1)
	require.NoError(t, err)

	_, err = r1.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)
	_, err = r1.Heartbeat("worker-1")
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	r2, err := New(j2)
	require.NoError(t, err)
	defer r2.Close()

	rec, err := r2.Route("invoke", "summarize", nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", rec.WorkerID)
}

func TestGetAllCapabilitiesCountsHealthy(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register("worker-1", "https://worker-1.local:8443", []Definition{sampleCap("summarize", "invoke")}, nil)
	require.NoError(t, err)

	caps := r.GetAllCapabilities()
	summary, ok := caps[KeyFor("invoke", "summarize")]
	require.True(t, ok)
	assert.Equal(t, 1, summary.Workers)
	assert.Equal(t, 1, summary.HealthyWorkers)
}
