package security

import (
	"crypto/tls"
	"net/http"
)

// bootstrapTransport is the narrow, verification-disabled HTTP transport
// used solely for first contact with the CA service before its root
// certificate has been retrieved.
// No other component in this fabric may construct a transport with
// InsecureSkipVerify set.
func bootstrapTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // deliberate: first-contact CA bootstrap only
	}
}
