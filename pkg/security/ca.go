package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/apierr"
)

const (
	// rootCAValidity is the root certificate's lifetime once generated.
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// issuedCertValidity is the lifetime given to every CSR-signed certificate.
	issuedCertValidity = 90 * 24 * time.Hour
	// rootKeySize is the root CA's RSA key size (long-lived, high security).
	rootKeySize = 4096
)

// Provider is the pluggable certificate-issuing abstraction the CA service
// runs against.
// DevelopmentCertificateProvider is the only implementation this fabric
// requires; the interface leaves room for an HSM- or vault-backed provider
// without the core depending on one.
type Provider interface {
	// CACertificatePEM returns the CA's own certificate, PEM-encoded.
	CACertificatePEM() ([]byte, error)
	// SignCSR signs a PEM-encoded CSR for serviceName and returns the
	// signed certificate, PEM-encoded.
	SignCSR(csrPEM []byte, serviceName string) ([]byte, error)
	// Ready reports whether the provider can currently sign requests.
	Ready() bool
}

// DevelopmentCertificateProvider is a self-signed, in-process CA: it
// generates (or loads) its own root key pair and signs worker/controller
// CSRs directly with crypto/x509, with no external process or service
// dependency.
type DevelopmentCertificateProvider struct {
	mu       sync.RWMutex
	dir      string
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

// NewDevelopmentCertificateProvider ensures a root CA certificate and key
// exist under dir (generating them on first run) and returns a Provider
// backed by them.
func NewDevelopmentCertificateProvider(dir string) (*DevelopmentCertificateProvider, error) {
	p := &DevelopmentCertificateProvider{dir: dir}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apierr.NewCertificateError("create CA directory", err)
	}
	if err := p.loadOrGenerateRoot(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *DevelopmentCertificateProvider) rootCertPath() string { return filepath.Join(p.dir, "ca.crt") }
func (p *DevelopmentCertificateProvider) rootKeyPath() string  { return filepath.Join(p.dir, "ca.key") }

func (p *DevelopmentCertificateProvider) loadOrGenerateRoot() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	certPath, keyPath := p.rootCertPath(), p.rootKeyPath()
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return apierr.NewCertificateError("read CA certificate", err)
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return apierr.NewCertificateError("read CA key", err)
		}
		cert, err := decodeFirstCert(certPEM)
		if err != nil {
			return apierr.NewCertificateError("parse CA certificate", err)
		}
		key, err := decodeRSAKey(keyPEM)
		if err != nil {
			return apierr.NewCertificateError("parse CA key", err)
		}
		p.rootCert, p.rootKey = cert, key
		return nil
	}

	return p.generateRoot()
}

func (p *DevelopmentCertificateProvider) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return apierr.NewCertificateError("generate root key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return apierr.NewCertificateError("generate root serial number", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Crank Platform"},
			CommonName:   "Crank Platform Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return apierr.NewCertificateError("create root certificate", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return apierr.NewCertificateError("parse root certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(p.rootCertPath(), certPEM, 0o644); err != nil {
		return apierr.NewCertificateError("write root certificate", err)
	}
	if err := os.WriteFile(p.rootKeyPath(), keyPEM, 0o600); err != nil {
		return apierr.NewCertificateError("write root key", err)
	}

	p.rootCert, p.rootKey = cert, key
	return nil
}

// CACertificatePEM returns the root certificate, PEM-encoded.
func (p *DevelopmentCertificateProvider) CACertificatePEM() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.rootCert == nil {
		return nil, apierr.NewCertificateError("CA not initialized", nil)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: p.rootCert.Raw}), nil
}

// SignCSR parses csrPEM, verifies its self-signature, and issues a
// certificate bearing the CSR's public key, subject, and SANs, signed by
// the root CA.
func (p *DevelopmentCertificateProvider) SignCSR(csrPEM []byte, serviceName string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.rootCert == nil || p.rootKey == nil {
		return nil, apierr.NewCertificateError("CA not initialized", nil)
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, apierr.NewCertificateError("no CERTIFICATE REQUEST PEM block found", nil)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, apierr.NewCertificateError("parse CSR", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, apierr.NewCertificateError("CSR signature invalid", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, apierr.NewCertificateError("generate serial number", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(issuedCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, p.rootCert, csr.PublicKey, p.rootKey)
	if err != nil {
		return nil, apierr.NewCertificateError(fmt.Sprintf("sign certificate for %s", serviceName), err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), nil
}

func (p *DevelopmentCertificateProvider) serverCertPath() string {
	return filepath.Join(p.dir, "server.crt")
}
func (p *DevelopmentCertificateProvider) serverKeyPath() string {
	return filepath.Join(p.dir, "server.key")
}

// ServerTLSConfig returns the tls.Config the CA service's own HTTPS
// listener presents to callers. It issues (and caches on disk, under
// server.crt/server.key) a certificate for itself signed by its own
// root, rather than by the CSR path used for workers and the
// controller, since nothing else attests the CA's own identity.
// Clients reach this listener over the bootstrap transport, which skips
// verification for exactly this first-contact case.
func (p *DevelopmentCertificateProvider) ServerTLSConfig() (*tls.Config, error) {
	certPEM, keyPEM, err := p.loadOrIssueServerCert()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, apierr.NewCertificateError("load CA service server key pair", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (p *DevelopmentCertificateProvider) loadOrIssueServerCert() ([]byte, []byte, error) {
	certPath, keyPath := p.serverCertPath(), p.serverKeyPath()
	if certPEM, err := os.ReadFile(certPath); err == nil {
		if keyPEM, err := os.ReadFile(keyPath); err == nil {
			return certPEM, keyPEM, nil
		}
	}

	p.mu.RLock()
	rootCert, rootKey := p.rootCert, p.rootKey
	p.mu.RUnlock()
	if rootCert == nil || rootKey == nil {
		return nil, nil, apierr.NewCertificateError("CA not initialized", nil)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, nil, apierr.NewCertificateError("generate CA service server key", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, apierr.NewCertificateError("generate CA service serial number", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"Crank Platform"}, CommonName: "crank-ca-service"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(issuedCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost", "crank-ca-service"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, nil, apierr.NewCertificateError("issue CA service server certificate", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(p.serverCertPath(), certPEM, 0o644); err != nil {
		return nil, nil, apierr.NewCertificateError("write CA service server certificate", err)
	}
	if err := os.WriteFile(p.serverKeyPath(), keyPEM, 0o600); err != nil {
		return nil, nil, apierr.NewCertificateError("write CA service server key", err)
	}
	return certPEM, keyPEM, nil
}

// Ready reports whether the root CA key material has been loaded.
func (p *DevelopmentCertificateProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rootCert != nil && p.rootKey != nil
}

func decodeRSAKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return key, nil
}
