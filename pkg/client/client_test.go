package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crankbird/crank-platform/pkg/registry"
)

// newTestClient wires a Client directly at an httptest server, bypassing
// the mTLS transport so outcome translation can be exercised without
// certificate material.
func newTestClient(server *httptest.Server, workerID string) *Client {
	return &Client{
		http:          server.Client(),
		controllerURL: server.URL,
		workerID:      workerID,
	}
}

func TestRegisterTranslatesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/register", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "w1", body["worker_id"])
		_ = json.NewEncoder(w).Encode(registry.RegisterResult{Status: "registered", WorkerID: "w1", CapabilitiesRegistered: 1})
	}))
	defer server.Close()

	c := newTestClient(server, "w1")
	result, outcome, err := c.Register(context.Background(), "https://w1:8500", []registry.Definition{{ID: "email.classify"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRegistered, outcome)
	assert.Equal(t, "registered", result.Status)
}

func TestRegisterTranslatesPersistenceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "persistence error"})
	}))
	defer server.Close()

	c := newTestClient(server, "w1")
	_, outcome, err := c.Register(context.Background(), "https://w1:8500", nil, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomePersistenceErr, outcome)
}

func TestRegisterUnreachableController(t *testing.T) {
	c := &Client{
		http:          &http.Client{Timeout: 200 * time.Millisecond},
		controllerURL: "https://127.0.0.1:1",
		workerID:      "w1",
	}
	_, outcome, err := c.Register(context.Background(), "https://w1:8500", nil, nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeUnreachable, outcome)
}

func TestHeartbeatTranslatesUnknownWorker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(registry.HeartbeatResult{Status: "unknown_worker", Acknowledged: false})
	}))
	defer server.Close()

	c := newTestClient(server, "ghost")
	outcome, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownWorker, outcome)
}

func TestDeregisterTranslatesSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/deregister/w1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "deregistered", "worker_id": "w1"})
	}))
	defer server.Close()

	c := newTestClient(server, "w1")
	outcome, err := c.Deregister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeregistered, outcome)
}

func TestStartHeartbeatsAndReportsUnknownWorker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(registry.HeartbeatResult{Status: "unknown_worker"})
	}))
	defer server.Close()

	c := newTestClient(server, "w1")

	var unknownSeen atomic.Int32
	c.Start(context.Background(), 10*time.Millisecond, func() { unknownSeen.Add(1) }, nil)
	defer c.Stop()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2 && unknownSeen.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopWaitsForHeartbeatTaskToExit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(registry.HeartbeatResult{Status: "ok", Acknowledged: true})
	}))
	defer server.Close()

	c := newTestClient(server, "w1")
	c.Start(context.Background(), 10*time.Millisecond, nil, nil)

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after cancelling the heartbeat task")
	}

	// Stop after Stop is a no-op.
	c.Stop()
}

func TestAuthTokenAttachedWhenConfigured(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(registry.HeartbeatResult{Status: "ok", Acknowledged: true})
	}))
	defer server.Close()

	c := newTestClient(server, "w1").WithAuthToken("s3cret")
	_, err := c.Heartbeat(context.Background())
	require.NoError(t, err)
}
