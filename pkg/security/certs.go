package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
)

// certRotationThreshold is the time-remaining window below which a bundle
// is reported as due for rotation. Renewal itself is out of scope here;
// bundles are re-created only via an explicit new bootstrap.
const certRotationThreshold = 30 * 24 * time.Hour

// Fixed on-disk file names within a certificate directory.
const (
	certFileName = "client.crt"
	keyFileName  = "client.key"
	caFileName   = "ca.crt"
)

// Bundle is the on-disk certificate material for one component. All three
// paths must exist by the time a Bundle is returned from Load; absence is
// a fatal error at that call site.
type Bundle struct {
	CertFile string
	KeyFile  string
	CAFile   string
	WorkerID string
}

// Load builds a Bundle from the fixed file names within dir and verifies
// all three files exist.
func Load(dir, workerID string) (Bundle, error) {
	b := Bundle{
		CertFile: filepath.Join(dir, certFileName),
		KeyFile:  filepath.Join(dir, keyFileName),
		CAFile:   filepath.Join(dir, caFileName),
		WorkerID: workerID,
	}
	for _, p := range []string{b.CertFile, b.KeyFile, b.CAFile} {
		if _, err := os.Stat(p); err != nil {
			return Bundle{}, apierr.NewCertificateError(fmt.Sprintf("certificate file missing: %s", p), err)
		}
	}
	return b, nil
}

// Exists reports whether all three fixed-name files are present in dir,
// used by the worker runtime to decide whether bootstrap is necessary
// without treating absence as an error.
func Exists(dir string) bool {
	for _, name := range []string{certFileName, keyFileName, caFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Persist atomically writes the three PEM blobs into dir using the fixed
// file names and modes: cert 0644, key 0600, ca 0644. Atomicity is
// achieved by writing to a temp file in the same directory and renaming
// over the final path.
func Persist(dir string, certPEM, keyPEM, caPEM []byte) (Bundle, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Bundle{}, apierr.NewCertificateError("create certificate directory", err)
	}
	writes := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{certFileName, certPEM, 0o644},
		{keyFileName, keyPEM, 0o600},
		{caFileName, caPEM, 0o644},
	}
	for _, w := range writes {
		final := filepath.Join(dir, w.name)
		tmp := final + ".tmp"
		if err := os.WriteFile(tmp, w.data, w.mode); err != nil {
			return Bundle{}, apierr.NewCertificateError("write "+w.name, err)
		}
		if err := os.Rename(tmp, final); err != nil {
			return Bundle{}, apierr.NewCertificateError("finalize "+w.name, err)
		}
	}
	return Bundle{
		CertFile: filepath.Join(dir, certFileName),
		KeyFile:  filepath.Join(dir, keyFileName),
		CAFile:   filepath.Join(dir, caFileName),
	}, nil
}

// ClientTLSConfig builds the tls.Config used by the shared mTLS transport:
// the bundle's own cert/key presented to peers, and the CA cert pinned as
// the sole trust root.
func (b Bundle) ClientTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, apierr.NewCertificateError("load client key pair", err)
	}
	pool, err := b.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ServerTLSConfig builds the tls.Config for an HTTPS listener that
// requires and verifies a client certificate against the same CA pool on
// every connection: every intra-fleet HTTPS request verifies the peer
// and presents the caller's client cert.
// There is no per-path carve-out for GET /health at this layer: a TLS
// handshake completes before the request path is known, so admitting an
// unauthenticated liveness probe would mean admitting one on every
// endpoint. Orchestrator liveness checks must present the fleet's client
// certificate like any other caller.
func (b Bundle) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		return nil, apierr.NewCertificateError("load server key pair", err)
	}
	pool, err := b.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (b Bundle) caPool() (*x509.CertPool, error) {
	raw, err := os.ReadFile(b.CAFile)
	if err != nil {
		return nil, apierr.NewCertificateError("read ca file", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(raw); !ok {
		return nil, apierr.NewCertificateError("ca file contains no usable certificates", nil)
	}
	return pool, nil
}

// Leaf parses and returns the bundle's own certificate, for expiry checks
// and diagnostics.
func (b Bundle) Leaf() (*x509.Certificate, error) {
	raw, err := os.ReadFile(b.CertFile)
	if err != nil {
		return nil, apierr.NewCertificateError("read cert file", err)
	}
	return decodeFirstCert(raw)
}

func decodeFirstCert(raw []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, apierr.NewCertificateError("no CERTIFICATE PEM block found", nil)
	}
	return x509.ParseCertificate(block.Bytes)
}

// NeedsRotation reports whether cert has less than certRotationThreshold
// remaining before expiry.
func NeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateChain verifies cert was issued by ca, for the client-auth/
// server-auth usages the fabric relies on.
func ValidateChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return apierr.NewCertificateError("nil certificate in chain validation", nil)
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return apierr.NewCertificateError("certificate chain verification failed", err)
	}
	return nil
}

// Info returns a JSON-safe summary of cert for diagnostic endpoints and
// logs; callers must never log the corresponding private key.
func Info(cert *x509.Certificate) map[string]any {
	if cert == nil {
		return map[string]any{"error": "certificate is nil"}
	}
	return map[string]any{
		"subject":       cert.Subject.CommonName,
		"issuer":        cert.Issuer.CommonName,
		"serial_number": cert.SerialNumber.String(),
		"not_before":    cert.NotBefore.Format(time.RFC3339),
		"not_after":     cert.NotAfter.Format(time.RFC3339),
		"dns_names":     cert.DNSNames,
		"key_usage":     describeKeyUsage(cert.KeyUsage),
		"ext_key_usage": describeExtKeyUsage(cert.ExtKeyUsage),
	}
}

func describeKeyUsage(usage x509.KeyUsage) []string {
	var usages []string
	if usage&x509.KeyUsageDigitalSignature != 0 {
		usages = append(usages, "DigitalSignature")
	}
	if usage&x509.KeyUsageKeyEncipherment != 0 {
		usages = append(usages, "KeyEncipherment")
	}
	if usage&x509.KeyUsageContentCommitment != 0 {
		usages = append(usages, "NonRepudiation")
	}
	if usage&x509.KeyUsageCertSign != 0 {
		usages = append(usages, "CertSign")
	}
	return usages
}

func describeExtKeyUsage(usages []x509.ExtKeyUsage) []string {
	var result []string
	for _, usage := range usages {
		switch usage {
		case x509.ExtKeyUsageClientAuth:
			result = append(result, "ClientAuth")
		case x509.ExtKeyUsageServerAuth:
			result = append(result, "ServerAuth")
		}
	}
	return result
}

// Remove deletes a certificate directory and everything in it. Used by tests and
// by operator tooling to force a fresh bootstrap.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}
