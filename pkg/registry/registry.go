package registry

import (
	"encoding/json"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
)

const defaultHeartbeatTimeout = 120 * time.Second

// Registry is the controller's authoritative in-memory index of workers
// and their capabilities, backed by an append-only Journal for crash
// recovery. All mutations go through a single mutex; routing
// and introspection reads may proceed concurrently with each other but not
// during a mutation.
type Registry struct {
	mu sync.RWMutex

	journal          *Journal
	heartbeatTimeout time.Duration

	workers map[string]*Record   // worker_id -> record
	index   map[Key][]string     // capability key -> worker_ids, registration order
	seqOf   map[string]int       // worker_id -> registration sequence, for tie-break
	nextSeq int

	journalHealthy bool
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithHeartbeatTimeout overrides the default 120s health window.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatTimeout = d
		}
	}
}

// New creates a Registry backed by the given Journal and immediately
// replays it to recover prior state.
func New(j *Journal, opts ...Option) (*Registry, error) {
	r := &Registry{
		journal:          j,
		heartbeatTimeout: defaultHeartbeatTimeout,
		workers:          make(map[string]*Record),
		index:            make(map[Key][]string),
		seqOf:            make(map[string]int),
		journalHealthy:   true,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := j.Replay(r.apply); err != nil {
		return nil, err
	}
	return r, nil
}

// apply reconstructs in-memory state from one journal entry during
// recovery. It must not be called after construction; mutations afterward
// go through register/heartbeat/deregister so the journal stays authoritative.
func (r *Registry) apply(e Entry) {
	switch e.Kind {
	case EntryRegistered:
		var p registeredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		r.applyRegister(p.WorkerID, p.WorkerURL, p.Capabilities, p.Metadata, e.TS)
	case EntryHeartbeat:
		var p heartbeatPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		// Stray HEARTBEAT without a prior REGISTERED is skipped.
		if rec, ok := r.workers[p.WorkerID]; ok {
			rec.LastHeartbeat = e.TS
		}
	case EntryDeregistered:
		var p deregisteredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		r.removeWorker(p.WorkerID)
	}
}

func (r *Registry) applyRegister(workerID, workerURL string, caps []Definition, metadata map[string]any, ts time.Time) {
	r.removeWorker(workerID)

	rec := &Record{
		WorkerID:             workerID,
		WorkerURL:            workerURL,
		Capabilities:         caps,
		LastHeartbeat:        ts,
		RegistrationMetadata: metadata,
	}
	r.workers[workerID] = rec
	r.nextSeq++
	r.seqOf[workerID] = r.nextSeq

	for _, k := range rec.capabilityKeys() {
		r.index[k] = append(r.index[k], workerID)
	}
}

// removeWorker strips workerID from every capability key, pruning emptied
// keys, and deletes its record.
func (r *Registry) removeWorker(workerID string) {
	rec, ok := r.workers[workerID]
	if !ok {
		return
	}
	for _, k := range rec.capabilityKeys() {
		workers := r.index[k]
		filtered := workers[:0]
		for _, id := range workers {
			if id != workerID {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) == 0 {
			delete(r.index, k)
		} else {
			r.index[k] = filtered
		}
	}
	delete(r.workers, workerID)
	delete(r.seqOf, workerID)
}

// RegisterResult is the return value of Register.
type RegisterResult struct {
	Status                 string `json:"status"`
	WorkerID               string `json:"worker_id"`
	CapabilitiesRegistered int    `json:"capabilities_registered"`
}

// Register validates and installs (or atomically replaces) a worker's
// record, updates the capability index, appends a REGISTERED journal
// entry, and marks the worker healthy as of now. metadata carries any
// extended registration fields verbatim; the registry stores and replays
// them without interpretation.
func (r *Registry) Register(workerID, workerURL string, caps []Definition, metadata map[string]any) (RegisterResult, error) {
	if workerID == "" {
		return RegisterResult{}, apierr.NewValidationError("worker_id must not be empty")
	}
	u, err := url.Parse(workerURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return RegisterResult{}, apierr.NewValidationError("worker_url must be a syntactically valid https:// URL")
	}
	if err := validateCapabilities(caps); err != nil {
		return RegisterResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	_, err = r.journal.Append(EntryRegistered, registeredPayload{
		WorkerID:     workerID,
		WorkerURL:    workerURL,
		Capabilities: caps,
		Metadata:     metadata,
	})
	timer.ObserveDuration(metrics.JournalWriteDuration)
	r.journalHealthy = err == nil
	if err != nil {
		return RegisterResult{}, apierr.NewPersistenceError("failed to append REGISTERED entry", err)
	}

	r.applyRegister(workerID, workerURL, caps, metadata, time.Now().UTC())
	metrics.RegistrationsTotal.Inc()
	r.refreshGauges()

	log.WithComponent("registry").Info().
		Str("worker_id", workerID).
		Int("capabilities", len(caps)).
		Msg("worker registered")

	return RegisterResult{
		Status:                 "registered",
		WorkerID:               workerID,
		CapabilitiesRegistered: len(caps),
	}, nil
}

// validateCapabilities rejects duplicate capability ids on one worker.
func validateCapabilities(caps []Definition) error {
	seen := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		if c.ID == "" {
			return apierr.NewValidationError("capability id must not be empty")
		}
		if _, dup := seen[c.ID]; dup {
			return apierr.NewValidationError("duplicate capability id: " + c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// HeartbeatResult is the return value of Heartbeat.
type HeartbeatResult struct {
	Status       string `json:"status"`
	Acknowledged bool   `json:"acknowledged"`
}

// Heartbeat refreshes a known worker's LastHeartbeat to now and appends a
// HEARTBEAT journal entry. An out-of-order heartbeat (lower than the
// current timestamp) is ignored, preserving monotonicity per worker.
func (r *Registry) Heartbeat(workerID string) (HeartbeatResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[workerID]
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_worker").Inc()
		return HeartbeatResult{Status: "unknown_worker", Acknowledged: false}, nil
	}

	now := time.Now().UTC()
	if !now.After(rec.LastHeartbeat) {
		metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
		return HeartbeatResult{Status: "ok", Acknowledged: true}, nil
	}

	timer := metrics.NewTimer()
	_, err := r.journal.Append(EntryHeartbeat, heartbeatPayload{WorkerID: workerID})
	timer.ObserveDuration(metrics.JournalWriteDuration)
	r.journalHealthy = err == nil
	if err != nil {
		return HeartbeatResult{}, apierr.NewPersistenceError("failed to append HEARTBEAT entry", err)
	}

	rec.LastHeartbeat = now
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	r.refreshGauges()

	return HeartbeatResult{Status: "ok", Acknowledged: true}, nil
}

// Deregister removes workerID's record and strips it from every
// capability key. Deregistering an unknown id is a no-op success.
func (r *Registry) Deregister(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[workerID]; !ok {
		return nil
	}

	timer := metrics.NewTimer()
	_, err := r.journal.Append(EntryDeregistered, deregisteredPayload{WorkerID: workerID})
	timer.ObserveDuration(metrics.JournalWriteDuration)
	r.journalHealthy = err == nil
	if err != nil {
		return apierr.NewPersistenceError("failed to append DEREGISTERED entry", err)
	}

	r.removeWorker(workerID)
	metrics.DeregistrationsTotal.Inc()
	r.refreshGauges()

	log.WithComponent("registry").Info().Str("worker_id", workerID).Msg("worker deregistered")
	return nil
}

// Route builds "verb:capability" and returns the earliest-registered
// currently-healthy worker providing it, or apierr.NotFoundError. The
// slo/requester/budget parameters are accepted and ignored by the core
// router.
func (r *Registry) Route(verb, capability string, _ map[string]any, _ string, _ *float64) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := KeyFor(verb, capability)
	candidates := r.index[key]
	if len(candidates) == 0 {
		metrics.RouteRequestsTotal.WithLabelValues("miss").Inc()
		return Record{}, apierr.NewNotFoundError("no worker available for " + string(key))
	}

	now := time.Now().UTC()
	best := ""
	bestSeq := -1
	for _, id := range candidates {
		rec := r.workers[id]
		if rec == nil || !rec.IsHealthy(now, r.heartbeatTimeout) {
			continue
		}
		seq := r.seqOf[id]
		if bestSeq == -1 || seq < bestSeq {
			best, bestSeq = id, seq
		}
	}
	if best == "" {
		metrics.RouteRequestsTotal.WithLabelValues("miss").Inc()
		return Record{}, apierr.NewNotFoundError("no healthy worker available for " + string(key))
	}

	metrics.RouteRequestsTotal.WithLabelValues("hit").Inc()
	return *r.workers[best], nil
}

// GetAllCapabilities returns, per CapabilityKey, the total and healthy
// worker counts.
func (r *Registry) GetAllCapabilities() map[Key]CapabilitySummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	out := make(map[Key]CapabilitySummary, len(r.index))
	for key, ids := range r.index {
		summary := CapabilitySummary{}
		for _, id := range ids {
			rec := r.workers[id]
			if rec == nil {
				continue
			}
			summary.Workers++
			if rec.IsHealthy(now, r.heartbeatTimeout) {
				summary.HealthyWorkers++
			}
		}
		out[key] = summary
	}
	return out
}

// GetAllWorkers returns a WorkerView for every registered worker, sorted
// by worker id for deterministic output.
func (r *Registry) GetAllWorkers() []WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]WorkerView, 0, len(r.workers))
	for id, rec := range r.workers {
		out = append(out, WorkerView{
			WorkerID:      id,
			WorkerURL:     rec.WorkerURL,
			Capabilities:  rec.capabilityKeys(),
			IsHealthy:     rec.IsHealthy(now, r.heartbeatTimeout),
			LastHeartbeat: rec.LastHeartbeat.Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// refreshGauges updates the Prometheus worker-count gauges; must be called
// with r.mu held.
func (r *Registry) refreshGauges() {
	now := time.Now().UTC()
	healthy := 0
	for _, rec := range r.workers {
		if rec.IsHealthy(now, r.heartbeatTimeout) {
			healthy++
		}
	}
	metrics.WorkersTotal.Set(float64(len(r.workers)))
	metrics.WorkersHealthy.Set(float64(healthy))
}

// Healthy reports whether the most recent journal write succeeded. A
// Registry that has never failed a write (including one that has never
// written at all) is healthy. Used by the controller API's /health and
// /ready handlers.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.journalHealthy
}

// Close closes the backing journal.
func (r *Registry) Close() error {
	return r.journal.Close()
}
