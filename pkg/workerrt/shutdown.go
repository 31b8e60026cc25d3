package workerrt

import (
	"context"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/log"
)

// ShutdownHook is a single named callback run during shutdown. A
// timed-out hook is abandoned; the next hook still runs.
type ShutdownHook struct {
	Name        string
	Description string
	Timeout     time.Duration
	Tags        []string
	Fn          func(ctx context.Context) error
}

// ShutdownRegistry runs its registered hooks in strict LIFO order
// relative to registration: the most recently registered hook runs
// first.
type ShutdownRegistry struct {
	mu    sync.Mutex
	hooks []ShutdownHook
}

// NewShutdownRegistry returns an empty registry.
func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

// Register appends hook to the registration order.
func (r *ShutdownRegistry) Register(hook ShutdownHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// RunAll executes every registered hook in LIFO order. Each hook runs
// under its own timeout derived from ctx; a hook that exceeds its
// timeout is abandoned and the next hook still runs.
func (r *ShutdownRegistry) RunAll(ctx context.Context) {
	r.mu.Lock()
	hooks := make([]ShutdownHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
		done := make(chan error, 1)
		go func() { done <- hook.Fn(hookCtx) }()

		select {
		case err := <-done:
			if err != nil {
				log.WithComponent("workerrt").Warn().Err(err).Str("hook", hook.Name).Msg("shutdown hook failed")
			}
		case <-hookCtx.Done():
			log.WithComponent("workerrt").Warn().Str("hook", hook.Name).Msg("shutdown hook timed out, abandoning")
		}
		cancel()
	}
}
