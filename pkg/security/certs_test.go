package security

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestBundle(t *testing.T, dir, workerID string) Bundle {
	t.Helper()
	p := newTestProvider(t)

	key, csrPEM, err := generateKeyAndCSR(workerID, nil)
	require.NoError(t, err)

	certPEM, err := p.SignCSR(csrPEM, workerID)
	require.NoError(t, err)
	caPEM, err := p.CACertificatePEM()
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	bundle, err := Persist(dir, certPEM, keyPEM, caPEM)
	require.NoError(t, err)
	bundle.WorkerID = workerID
	return bundle
}

func TestPersistWritesFixedFileNamesAndModes(t *testing.T) {
	dir := t.TempDir()
	bundle := signTestBundle(t, dir, "worker-1")

	assert.Equal(t, filepath.Join(dir, "client.crt"), bundle.CertFile)
	assert.Equal(t, filepath.Join(dir, "client.key"), bundle.KeyFile)
	assert.Equal(t, filepath.Join(dir, "ca.crt"), bundle.CAFile)

	certInfo, err := os.Stat(bundle.CertFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), certInfo.Mode().Perm())

	keyInfo, err := os.Stat(bundle.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	caInfo, err := os.Stat(bundle.CAFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), caInfo.Mode().Perm())
}

func TestExistsReportsIncompleteDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, Exists(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.crt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.key"), []byte("x"), 0o600))
	assert.False(t, Exists(dir), "ca.crt still missing")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), []byte("x"), 0o644))
	assert.True(t, Exists(dir))
}

func TestLoadRequiresAllThreeFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "worker-1")
	require.Error(t, err)

	bundle := signTestBundle(t, dir, "worker-1")
	loaded, err := Load(dir, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, bundle.CertFile, loaded.CertFile)
}

func TestNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		want     bool
	}{
		{"expires in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expires in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expires in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expires in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			assert.Equal(t, tt.want, NeedsRotation(cert))
		})
	}
	assert.True(t, NeedsRotation(nil))
}

func TestValidateChainRejectsNilInputs(t *testing.T) {
	assert.Error(t, ValidateChain(nil, &x509.Certificate{}))
	assert.Error(t, ValidateChain(&x509.Certificate{}, nil))
}

func TestInfoReportsErrorForNilCertificate(t *testing.T) {
	info := Info(nil)
	_, hasError := info["error"]
	assert.True(t, hasError)
}

func TestRemoveDeletesDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.crt"), []byte("x"), 0o644))

	require.NoError(t, Remove(dir))
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
