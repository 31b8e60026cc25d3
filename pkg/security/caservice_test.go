package security

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *DevelopmentCertificateProvider) {
	t.Helper()
	provider := newTestProvider(t)
	svc, err := NewService(":0", provider, nil)
	require.NoError(t, err)
	return svc, provider
}

func TestServiceHealthReportsProvider(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	svc.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "development", body["provider"])
}

func TestServiceServesCACertificate(t *testing.T) {
	svc, provider := newTestService(t)

	req := httptest.NewRequest(http.MethodGet, "/ca/certificate", nil)
	w := httptest.NewRecorder()
	svc.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	wantPEM, err := provider.CACertificatePEM()
	require.NoError(t, err)
	assert.Equal(t, string(wantPEM), body["ca_certificate"])
}

func TestServiceSignsSubmittedCSR(t *testing.T) {
	svc, _ := newTestService(t)

	csrPEM := testCSR(t, "worker-1")
	payload, err := json.Marshal(map[string]string{
		"csr":          string(csrPEM),
		"service_name": "worker-1",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/certificates/csr", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	svc.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	cert, err := decodeFirstCert([]byte(body["certificate"]))
	require.NoError(t, err)
	assert.Equal(t, "worker-1", cert.Subject.CommonName)
}

func TestServiceRejectsCSRRequestMissingFields(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/certificates/csr", bytes.NewReader([]byte(`{"csr":""}`)))
	w := httptest.NewRecorder()
	svc.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceRejectsMalformedCSRBody(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest(http.MethodPost, "/certificates/csr", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	svc.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceMethodChecks(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/health"},
		{http.MethodPost, "/ca/certificate"},
		{http.MethodGet, "/certificates/csr"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			svc.mux.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}
