package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *DevelopmentCertificateProvider {
	t.Helper()
	p, err := NewDevelopmentCertificateProvider(t.TempDir())
	require.NoError(t, err)
	return p
}

func testCSR(t *testing.T, commonName string) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName, Organization: []string{"Crank Platform"}},
		DNSNames: []string{commonName, "localhost"},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestProviderGeneratesRootOnFirstUse(t *testing.T) {
	p := newTestProvider(t)
	assert.True(t, p.Ready())

	caPEM, err := p.CACertificatePEM()
	require.NoError(t, err)

	cert, err := decodeFirstCert(caPEM)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
}

func TestProviderPersistsRootAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	p1, err := NewDevelopmentCertificateProvider(dir)
	require.NoError(t, err)
	ca1, err := p1.CACertificatePEM()
	require.NoError(t, err)

	p2, err := NewDevelopmentCertificateProvider(dir)
	require.NoError(t, err)
	ca2, err := p2.CACertificatePEM()
	require.NoError(t, err)

	assert.Equal(t, ca1, ca2)
}

func TestSignCSRIssuesCertForRequestedIdentity(t *testing.T) {
	p := newTestProvider(t)
	csr := testCSR(t, "worker-1")

	certPEM, err := p.SignCSR(csr, "worker-1")
	require.NoError(t, err)

	cert, err := decodeFirstCert(certPEM)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", cert.Subject.CommonName)
	assert.False(t, cert.IsCA)
	assert.Contains(t, cert.DNSNames, "worker-1")
	assert.Contains(t, cert.DNSNames, "localhost")
}

func TestSignCSRRejectsMalformedPEM(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.SignCSR([]byte("not a csr"), "worker-1")
	require.Error(t, err)
}

func TestValidateChainAcceptsIssuedCertificate(t *testing.T) {
	p := newTestProvider(t)
	csr := testCSR(t, "worker-1")

	certPEM, err := p.SignCSR(csr, "worker-1")
	require.NoError(t, err)
	cert, err := decodeFirstCert(certPEM)
	require.NoError(t, err)

	caPEM, err := p.CACertificatePEM()
	require.NoError(t, err)
	caCert, err := decodeFirstCert(caPEM)
	require.NoError(t, err)

	require.NoError(t, ValidateChain(cert, caCert))
}
