// Package workerrt is the worker-side runtime: the lifecycle state
// machine, the LIFO shutdown-hook registry, and the Runtime type that
// wires both together with certificate bootstrap, an mTLS HTTPS
// listener, and the controller heartbeat loop into the worker's ordered
// startup and shutdown sequence.
package workerrt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/client"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/transport"
)

// Defaults for fields left zero in Config.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultDegradedAfter     = 3 * DefaultHeartbeatInterval
	shutdownHookTimeout      = 10 * time.Second
)

// CapabilityProvider is implemented by the worker-specific business logic
// hosted by a Runtime: it supplies the capability list advertised at
// registration and installs its own HTTP handlers alongside the
// runtime's own.
type CapabilityProvider interface {
	GetCapabilities() []registry.Definition
	SetupRoutes(mux *http.ServeMux)
}

// Config parameterizes a Runtime.
type Config struct {
	WorkerID       string
	WorkerURL      string // https://host:port this worker is reachable at, advertised to the controller
	ListenAddr     string // local bind address for the HTTPS listener, e.g. ":8443"
	ControllerURL  string
	CAServiceURL   string
	CertDir        string
	AdditionalSANs []string

	HeartbeatInterval time.Duration
	DegradedAfter     time.Duration

	AuthToken string

	// RegistrationMetadata is sent verbatim with the registration payload
	// and stored by the controller alongside this worker's record.
	RegistrationMetadata map[string]any
}

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (c Config) degradedAfter() time.Duration {
	if c.DegradedAfter > 0 {
		return c.DegradedAfter
	}
	return DefaultDegradedAfter
}

// Runtime hosts a CapabilityProvider behind an mTLS HTTPS listener,
// bootstrapping or loading its certificate bundle, registering with the
// controller when one is configured, and heartbeating on a background
// task whose sustained failure degrades the health machine.
type Runtime struct {
	cfg      Config
	provider CapabilityProvider

	health   *HealthMachine
	shutdown *ShutdownRegistry
	events   *events.Registry

	bundle security.Bundle
	server *transport.Server
	ctrl   *client.Client

	mu              sync.Mutex
	lastHeartbeatOK time.Time
	degradeTimer    *time.Timer
}

// New builds a Runtime in STARTING, not yet listening. The runtime's
// default shutdown hooks are registered here, before anything a caller
// can add, so LIFO execution always runs caller hooks ahead of them.
func New(cfg Config, provider CapabilityProvider) *Runtime {
	rt := &Runtime{
		cfg:      cfg,
		provider: provider,
		health:   NewHealthMachine(),
		shutdown: NewShutdownRegistry(),
		events:   events.NewRegistry(),
	}
	rt.registerDefaultShutdownHooks()
	return rt
}

// Health returns the runtime's lifecycle state machine.
func (rt *Runtime) Health() *HealthMachine { return rt.health }

// Events returns the runtime's certificate lifecycle event registry, so
// callers can subscribe additional handlers (e.g. alerting) before Start.
func (rt *Runtime) Events() *events.Registry { return rt.events }

// RegisterShutdownHook adds a hook that runs before the runtime's own
// default shutdown sequence: the defaults are registered in New, so any
// hook registered here afterwards runs ahead of them under the
// registry's LIFO execution order.
func (rt *Runtime) RegisterShutdownHook(hook ShutdownHook) {
	rt.shutdown.Register(hook)
}

// Start executes the full ordered startup sequence: obtain a certificate
// bundle (loading one already on disk, or bootstrapping a fresh one from
// the CA when none exists), build the HTTPS server, register with the
// controller if one is configured, and begin heartbeating. Start returns
// once the server is built and the initial registration attempt (if
// any) has completed, and moves the health state to HEALTHY at that
// point. Start does not open the listening socket; ListenAndServe binds
// it and serves.
func (rt *Runtime) Start(ctx context.Context) error {
	bundle, err := rt.ensureBundle(ctx)
	if err != nil {
		return fmt.Errorf("acquire certificate bundle: %w", err)
	}
	rt.bundle = bundle

	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.healthHandler)
	mux.HandleFunc("/ready", rt.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	rt.provider.SetupRoutes(mux)

	srv, err := transport.NewServer(rt.cfg.ListenAddr, rt.bundle, mux)
	if err != nil {
		return fmt.Errorf("bind HTTPS listener: %w", err)
	}
	rt.server = srv

	if rt.cfg.ControllerURL != "" {
		ctrlClient, err := client.New(rt.cfg.ControllerURL, rt.cfg.WorkerID, rt.bundle)
		if err != nil {
			return fmt.Errorf("build controller client: %w", err)
		}
		rt.ctrl = ctrlClient.WithAuthToken(rt.cfg.AuthToken)
		rt.registerWithController(ctx)
		rt.ctrl.Start(ctx, rt.cfg.heartbeatInterval(), rt.onUnknownWorker, rt.onHeartbeatResult)
	}

	rt.health.Transition(StateHealthy)
	return nil
}

// ListenAndServe blocks serving the worker's HTTPS endpoints. Call it
// after Start returns, typically in its own goroutine.
func (rt *Runtime) ListenAndServe() error {
	return rt.server.ListenAndServeTLS()
}

// Stop runs every registered shutdown hook in LIFO order, bounded by
// ctx's deadline.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.shutdown.RunAll(ctx)
}

// healthHandler reports the runtime's own lifecycle state: 200 while
// HEALTHY or STARTING, 503 while DEGRADED or STOPPING.
func (rt *Runtime) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := rt.health.State()
	code := http.StatusOK
	if state == StateDegraded || state == StateStopping {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(state), "worker_id": rt.cfg.WorkerID})
}

// readyHandler reports whether the worker is prepared to accept domain
// requests: HEALTHY only. A worker that is still STARTING, has
// DEGRADED, or is STOPPING is not ready.
func (rt *Runtime) readyHandler(w http.ResponseWriter, r *http.Request) {
	if rt.health.IsHealthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "state": string(rt.health.State())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (rt *Runtime) ensureBundle(ctx context.Context) (security.Bundle, error) {
	if security.Exists(rt.cfg.CertDir) {
		log.WithComponent("workerrt").Info().Str("worker_id", rt.cfg.WorkerID).Msg("loading existing certificate bundle")
		return security.Load(rt.cfg.CertDir, rt.cfg.WorkerID)
	}
	if rt.cfg.CAServiceURL == "" {
		return security.Bundle{}, fmt.Errorf("no certificate bundle at %s and no ca_service_url configured to bootstrap one", rt.cfg.CertDir)
	}
	log.WithComponent("workerrt").Info().Str("worker_id", rt.cfg.WorkerID).Msg("bootstrapping new certificate bundle")
	return security.Bootstrap(ctx, security.BootstrapConfig{
		CAServiceURL:   rt.cfg.CAServiceURL,
		WorkerID:       rt.cfg.WorkerID,
		AdditionalSANs: rt.cfg.AdditionalSANs,
		CertDir:        rt.cfg.CertDir,
	}, rt.events)
}

// registerWithController attempts registration once. Failure is logged
// as a warning and absorbed: a worker that cannot reach the controller
// at startup still serves its own capabilities and keeps retrying via
// the heartbeat loop's unknown-worker callback path.
func (rt *Runtime) registerWithController(ctx context.Context) {
	regCtx, cancel := context.WithTimeout(ctx, transport.DefaultRequestTimeout)
	defer cancel()

	_, outcome, err := rt.ctrl.Register(regCtx, rt.cfg.WorkerURL, rt.provider.GetCapabilities(), rt.cfg.RegistrationMetadata)
	if err != nil {
		log.WithComponent("workerrt").Warn().Err(err).
			Str("worker_id", rt.cfg.WorkerID).Str("outcome", string(outcome)).
			Msg("initial registration failed, continuing unregistered")
		return
	}
	rt.mu.Lock()
	rt.lastHeartbeatOK = time.Now()
	rt.mu.Unlock()
}

// onUnknownWorker re-registers when the controller reports this worker
// id as unknown, which happens after a controller restart that lost its
// journal-recovered state or after this worker was explicitly
// deregistered elsewhere.
func (rt *Runtime) onUnknownWorker() {
	log.WithWorkerID(rt.cfg.WorkerID).Warn().Str("component", "workerrt").Msg("controller reports unknown worker, re-registering")
	rt.registerWithController(context.Background())
}

// onHeartbeatResult drives the HEALTHY/DEGRADED transition: a successful
// heartbeat resets the failure clock and restores HEALTHY; a failure
// starts (or leaves running) a timer that degrades the worker once
// DegradedAfter has elapsed without a successful heartbeat.
func (rt *Runtime) onHeartbeatResult(outcome client.Outcome, err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err == nil && outcome != client.OutcomeUnreachable {
		rt.lastHeartbeatOK = time.Now()
		if rt.degradeTimer != nil {
			rt.degradeTimer.Stop()
			rt.degradeTimer = nil
		}
		rt.health.Transition(StateHealthy)
		return
	}

	if rt.degradeTimer != nil {
		return
	}
	rt.degradeTimer = time.AfterFunc(rt.cfg.degradedAfter(), func() {
		log.WithComponent("workerrt").Warn().Str("worker_id", rt.cfg.WorkerID).
			Dur("window", rt.cfg.degradedAfter()).
			Msg("controller unreachable past degraded window")
		rt.health.Transition(StateDegraded)
	})
}

// registerDefaultShutdownHooks installs the runtime's own shutdown
// sequence. New calls it before any caller hook can be registered, so
// under the registry's LIFO execution the whole block runs after
// anything a caller registers later. Registration order here is the
// reverse of execution order, since LIFO runs the most recently
// registered hook first: the result is set STOPPING, stop the heartbeat
// task, attempt to deregister, close the HTTPS listener, then close the
// controller client's connection pool.
func (rt *Runtime) registerDefaultShutdownHooks() {
	rt.shutdown.Register(ShutdownHook{
		Name:    "close_controller_client_pool",
		Timeout: shutdownHookTimeout,
		Fn: func(ctx context.Context) error {
			if rt.ctrl != nil {
				rt.ctrl.CloseIdleConnections()
			}
			return nil
		},
	})
	rt.shutdown.Register(ShutdownHook{
		Name:    "close_https_listener",
		Timeout: shutdownHookTimeout,
		Fn: func(ctx context.Context) error {
			if rt.server == nil {
				return nil
			}
			return rt.server.Shutdown(ctx)
		},
	})
	rt.shutdown.Register(ShutdownHook{
		Name:    "deregister",
		Timeout: shutdownHookTimeout,
		Fn: func(ctx context.Context) error {
			if rt.ctrl == nil {
				return nil
			}
			_, err := rt.ctrl.Deregister(ctx)
			return err
		},
	})
	rt.shutdown.Register(ShutdownHook{
		Name:    "stop_heartbeat",
		Timeout: shutdownHookTimeout,
		Fn: func(ctx context.Context) error {
			rt.mu.Lock()
			if rt.degradeTimer != nil {
				rt.degradeTimer.Stop()
				rt.degradeTimer = nil
			}
			rt.mu.Unlock()
			if rt.ctrl != nil {
				rt.ctrl.Stop()
			}
			return nil
		},
	})
	rt.shutdown.Register(ShutdownHook{
		Name:    "set_stopping",
		Timeout: shutdownHookTimeout,
		Fn: func(ctx context.Context) error {
			rt.health.Transition(StateStopping)
			return nil
		},
	})
}
