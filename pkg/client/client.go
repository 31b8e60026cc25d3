package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/registry"
	"github.com/crankbird/crank-platform/pkg/security"
	"github.com/crankbird/crank-platform/pkg/transport"
	"github.com/google/uuid"
)

// Outcome is the typed result of a Controller Client call, translated
// from the controller's HTTP status code so worker code never has to
// branch on raw status numbers.
type Outcome string

const (
	OutcomeRegistered     Outcome = "registered"
	OutcomeOK             Outcome = "ok"
	OutcomeUnknownWorker  Outcome = "unknown_worker"
	OutcomeDeregistered   Outcome = "deregistered"
	OutcomePersistenceErr Outcome = "persistence_error"
	OutcomeUnreachable    Outcome = "unreachable"
)

// Client is the thin mTLS wrapper workers use to talk to the controller's
// register/heartbeat/deregister endpoints.
type Client struct {
	http          *http.Client
	controllerURL string
	workerID      string
	authToken     string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Client presenting bundle's certificate to the controller
// at controllerURL, with the default request timeout.
func New(controllerURL string, workerID string, bundle security.Bundle) (*Client, error) {
	httpClient, err := transport.NewClient(bundle, transport.DefaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("build controller client transport: %w", err)
	}
	return &Client{http: httpClient, controllerURL: controllerURL, workerID: workerID}, nil
}

// WithAuthToken sets the bearer token presented on every request, for
// controllers running with PLATFORM_AUTH_TOKEN set alongside mTLS.
func (c *Client) WithAuthToken(token string) *Client {
	c.authToken = token
	return c
}

func (c *Client) post(ctx context.Context, path string, body any, out any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controllerURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.NewTransientTransportError(fmt.Sprintf("%s %s", req.Method, path), err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// Register submits this worker's capabilities to the controller.
// metadata carries any extended registration fields the controller should
// store verbatim alongside the record; nil sends none.
func (c *Client) Register(ctx context.Context, workerURL string, caps []registry.Definition, metadata map[string]any) (registry.RegisterResult, Outcome, error) {
	body := map[string]any{
		"worker_id":    c.workerID,
		"worker_url":   workerURL,
		"capabilities": caps,
	}
	if len(metadata) > 0 {
		body["metadata"] = metadata
	}
	var result registry.RegisterResult
	resp, err := c.post(ctx, "/register", body, &result)
	if err != nil {
		return registry.RegisterResult{}, OutcomeUnreachable, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return result, OutcomeRegistered, nil
	case http.StatusInternalServerError:
		return registry.RegisterResult{}, OutcomePersistenceErr, fmt.Errorf("controller rejected registration: persistence error")
	default:
		return registry.RegisterResult{}, OutcomeUnreachable, fmt.Errorf("controller rejected registration: status %d", resp.StatusCode)
	}
}

// Heartbeat sends a single heartbeat for this worker.
func (c *Client) Heartbeat(ctx context.Context) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, transport.HeartbeatRequestTimeout)
	defer cancel()

	var result registry.HeartbeatResult
	resp, err := c.post(ctx, "/heartbeat", map[string]string{"worker_id": c.workerID}, &result)
	if err != nil {
		return OutcomeUnreachable, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return OutcomeOK, nil
	case http.StatusNotFound:
		return OutcomeUnknownWorker, nil
	default:
		return OutcomeUnreachable, fmt.Errorf("heartbeat failed: status %d", resp.StatusCode)
	}
}

// Deregister removes this worker's registration from the controller.
func (c *Client) Deregister(ctx context.Context) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.controllerURL+"/deregister/"+c.workerID, nil)
	if err != nil {
		return OutcomeUnreachable, err
	}
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return OutcomeUnreachable, apierr.NewTransientTransportError("DELETE /deregister", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return OutcomeUnreachable, fmt.Errorf("deregister failed: status %d", resp.StatusCode)
	}
	return OutcomeDeregistered, nil
}

// Start launches the background heartbeat task at the given interval.
// Heartbeat failures are logged at warning level and never stop the
// task; an unknown-worker outcome is handed to onUnknownWorker so the
// caller can decide whether to re-register. Every attempt, successful or
// not, is also handed to onResult (nil-safe) so the caller can track
// sustained-failure windows without polling Client itself.
func (c *Client) Start(ctx context.Context, interval time.Duration, onUnknownWorker func(), onResult func(Outcome, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				outcome, err := c.Heartbeat(taskCtx)
				if onResult != nil {
					onResult(outcome, err)
				}
				if err != nil {
					log.WithWorkerID(c.workerID).Warn().Err(err).Str("component", "client").Msg("heartbeat failed")
					continue
				}
				if outcome == OutcomeUnknownWorker && onUnknownWorker != nil {
					onUnknownWorker()
				}
			}
		}
	}()
}

// CloseIdleConnections releases the underlying transport's pooled
// connections, used during shutdown after the heartbeat task has
// stopped and deregistration has been attempted.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Stop cancels the heartbeat task and waits for it to exit, bounded by
// the in-flight heartbeat's own HTTP timeout.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
