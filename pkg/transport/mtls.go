// Package transport builds the mTLS HTTP clients and servers shared by the
// controller, worker runtime, and controller client: every intra-fleet call
// is pinned to the fleet's CA certificate and presents the caller's own
// client certificate.
package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/crankbird/crank-platform/pkg/security"
)

// Default timeouts.
const (
	DefaultRequestTimeout   = 30 * time.Second
	HeartbeatRequestTimeout = 5 * time.Second
)

// NewClient returns an *http.Client whose transport presents bundle's
// client certificate and verifies peers against bundle's CA pool.
func NewClient(bundle security.Bundle, timeout time.Duration) (*http.Client, error) {
	tlsCfg, err := bundle.ClientTLSConfig()
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

// Server wraps an *http.Server configured for mTLS using bundle's
// certificate and CA pool, refusing to start on plain HTTP.
type Server struct {
	http *http.Server
}

// NewServer builds a Server bound to addr, serving handler over HTTPS with
// client certificates verified against bundle's CA pool.
func NewServer(addr string, bundle security.Bundle, handler http.Handler) (*Server, error) {
	tlsCfg, err := bundle.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

// ListenAndServeTLS starts serving. The empty cert/key file arguments are
// intentional: the certificate pair is already installed in TLSConfig.
func (s *Server) ListenAndServeTLS() error {
	return s.http.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops the server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the server's configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}
