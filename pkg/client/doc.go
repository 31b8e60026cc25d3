/*
Package client is the worker-side controller client: a thin mTLS wrapper
around the controller's /register, /heartbeat, and /deregister/{id}
endpoints.

Responsibilities: build JSON request bodies, attach a correlation ID to
every call, and translate HTTP status codes into typed Outcome values
(registered, ok, unknown_worker, persistence_error, unreachable) so
callers never branch on raw status codes.

Start launches a background heartbeat task at a fixed interval; Stop
cancels it and blocks until the in-flight iteration (if any) completes.
Heartbeat failures are logged and absorbed rather than propagated,
matching the worker runtime's graceful-degradation policy for the
controller link.
*/
package client
