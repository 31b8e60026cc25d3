package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
	"github.com/crankbird/crank-platform/pkg/events"
	"github.com/crankbird/crank-platform/pkg/log"
	"github.com/crankbird/crank-platform/pkg/metrics"
)

// Bootstrap retry/backoff constants.
const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 16 * time.Second
	rsaKeySize     = 4096

	caHealthWaitTimeout = 60 * time.Second
	caHealthPollPeriod  = 1 * time.Second
)

// BootstrapConfig parameterizes a single certificate bootstrap run.
type BootstrapConfig struct {
	CAServiceURL   string
	WorkerID       string
	AdditionalSANs []string
	CertDir        string
	CorrelationID  string
}

// Bootstrap drives the full zero-trust provisioning flow: wait for the CA,
// fetch its root certificate over an unverified bootstrap client, generate
// an RSA-4096 key and CSR locally, submit the CSR, and persist the
// resulting bundle. The private key never leaves this process.
func Bootstrap(ctx context.Context, cfg BootstrapConfig, reg *events.Registry) (Bundle, error) {
	correlationID := cfg.CorrelationID

	if err := waitForCA(ctx, cfg.CAServiceURL, reg, correlationID); err != nil {
		return Bundle{}, err
	}

	caCertPEM, err := fetchCACertificate(ctx, cfg.CAServiceURL, reg, correlationID)
	if err != nil {
		return Bundle{}, err
	}

	timer := metrics.NewTimer()
	key, csrPEM, err := generateKeyAndCSR(cfg.WorkerID, cfg.AdditionalSANs)
	if err != nil {
		return Bundle{}, err
	}
	timer.ObserveDuration(metrics.CSRGenerationDuration)
	reg.Emit(events.CSRGenerated, cfg.WorkerID, correlationID, map[string]any{"key_bits": rsaKeySize})

	certPEM, err := submitCSR(ctx, cfg.CAServiceURL, cfg.WorkerID, csrPEM, reg, correlationID)
	if err != nil {
		return Bundle{}, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	bundle, err := Persist(cfg.CertDir, certPEM, keyPEM, caCertPEM)
	if err != nil {
		reg.Emit(events.CSRFailed, cfg.WorkerID, correlationID, map[string]any{
			"phase": "bootstrap_other",
			"error": err.Error(),
		})
		return Bundle{}, err
	}
	bundle.WorkerID = cfg.WorkerID

	reg.Emit(events.CertIssued, cfg.WorkerID, correlationID, map[string]any{
		"cert_file": bundle.CertFile,
		"key_file":  bundle.KeyFile,
		"ca_file":   bundle.CAFile,
	})

	return bundle, nil
}

// waitForCA polls GET {ca_url}/health on an insecure connection (the CA
// cert has not been obtained yet) until it answers 200 or the timeout
// elapses.
func waitForCA(ctx context.Context, caURL string, reg *events.Registry, correlationID string) error {
	client := bootstrapHTTPClient(2 * time.Second)
	deadline := time.Now().Add(caHealthWaitTimeout)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, caURL+"/health", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					log.WithComponent("security").Info().Str("ca_service_url", caURL).Msg("CA service ready")
					return nil
				}
			}
		}

		if time.Now().After(deadline) {
			reg.Emit(events.CAUnavailable, "system", correlationID, map[string]any{
				"ca_service_url": caURL,
				"timeout_s":      caHealthWaitTimeout.Seconds(),
			})
			return apierr.NewCertificateError("CA service not available within timeout", nil)
		}

		select {
		case <-ctx.Done():
			return apierr.NewCertificateError("bootstrap cancelled waiting for CA", ctx.Err())
		case <-time.After(caHealthPollPeriod):
		}
	}
}

// fetchCACertificate retrieves the CA's root certificate over the narrow
// unverified bootstrap client, retrying with exponential backoff.
func fetchCACertificate(ctx context.Context, caURL string, reg *events.Registry, correlationID string) ([]byte, error) {
	var lastErr error
	client := bootstrapHTTPClient(5 * time.Second)

	for attempt := 0; attempt < maxRetries; attempt++ {
		caPEM, err := tryFetchCACertificate(ctx, client, caURL)
		if err == nil {
			log.WithComponent("security").Info().Msg("CA certificate obtained for verification")
			return caPEM, nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			backoff := retryBackoff(attempt)
			reg.Emit(events.CAUnavailable, "system", correlationID, map[string]any{
				"ca_service_url": caURL,
				"attempt":        attempt + 1,
				"max_retries":    maxRetries,
				"error":          err.Error(),
			})
			if !sleepOrCancel(ctx, backoff) {
				return nil, apierr.NewCertificateError("bootstrap cancelled fetching CA certificate", ctx.Err())
			}
			continue
		}

		reg.Emit(events.CAUnavailable, "system", correlationID, map[string]any{
			"ca_service_url": caURL,
			"attempts":       maxRetries,
			"error":          err.Error(),
		})
	}
	return nil, apierr.NewCertificateError("CA certificate retrieval failed", lastErr)
}

func tryFetchCACertificate(ctx context.Context, client *http.Client, caURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, caURL+"/ca/certificate", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apierr.NewTransientTransportError("GET /ca/certificate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, apierr.NewTransientTransportError(
			fmt.Sprintf("GET /ca/certificate returned %d", resp.StatusCode), fmt.Errorf("%s", string(body)))
	}

	var payload struct {
		CACertificate string `json:"ca_certificate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return []byte(payload.CACertificate), nil
}

// generateKeyAndCSR generates a local RSA-4096 key pair (never transmitted)
// and a CSR with subject CN={worker_id}, O=Crank Platform, OU=Worker
// Services and SANs {worker_id, localhost, ...additional}.
func generateKeyAndCSR(workerID string, additionalSANs []string) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, nil, apierr.NewCertificateError("generate local key pair", err)
	}

	sans := append([]string{workerID, "localhost"}, additionalSANs...)

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         workerID,
			Organization:       []string{"Crank Platform"},
			OrganizationalUnit: []string{"Worker Services"},
		},
		DNSNames: sans,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, nil, apierr.NewCertificateError("create CSR", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	return key, csrPEM, nil
}

// submitCSR posts the CSR to the CA and returns the signed certificate,
// retrying transient failures with exponential backoff.
// A CA-specific failure emits CSR_FAILED with phase "csr_submission".
func submitCSR(ctx context.Context, caURL, workerID string, csrPEM []byte, reg *events.Registry, correlationID string) ([]byte, error) {
	reg.Emit(events.CSRSubmitted, workerID, correlationID, map[string]any{"ca_service_url": caURL})

	client := bootstrapHTTPClient(30 * time.Second)
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		certPEM, err := trySubmitCSR(ctx, client, caURL, workerID, csrPEM)
		if err == nil {
			return certPEM, nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			if !sleepOrCancel(ctx, retryBackoff(attempt)) {
				break
			}
			continue
		}
	}

	reg.Emit(events.CSRFailed, workerID, correlationID, map[string]any{
		"phase": "csr_submission",
		"error": lastErr.Error(),
	})
	return nil, apierr.NewCertificateError("CSR submission failed", lastErr)
}

func trySubmitCSR(ctx context.Context, client *http.Client, caURL, workerID string, csrPEM []byte) ([]byte, error) {
	body, err := json.Marshal(map[string]string{
		"csr":          string(csrPEM),
		"service_name": workerID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, caURL+"/certificates/csr", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, apierr.NewTransientTransportError("POST /certificates/csr", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, apierr.NewTransientTransportError(
			fmt.Sprintf("POST /certificates/csr returned %d", resp.StatusCode), fmt.Errorf("%s", string(respBody)))
	}

	var payload struct {
		Certificate string `json:"certificate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return []byte(payload.Certificate), nil
}

// retryBackoff implements backoff = min(INITIAL_BACKOFF * 2^attempt, MAX_BACKOFF).
func retryBackoff(attempt int) time.Duration {
	backoff := initialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}

func sleepOrCancel(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// bootstrapHTTPClient returns the narrow, verification-disabled client used
// solely for first contact with the CA before its certificate is known.
// All subsequent calls MUST use the verified mTLS transport built from the
// resulting Bundle.
func bootstrapHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: bootstrapTransport(),
	}
}
