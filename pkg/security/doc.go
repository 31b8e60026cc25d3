/*
Package security implements the zero-trust certificate bootstrap described
for the fabric: local RSA-4096 key generation, CSR construction, the CA
client used to obtain a signed certificate, an in-process certificate
authority (DevelopmentCertificateProvider), and the fixed on-disk
CertificateBundle layout the mTLS transport depends on.

# Bootstrap flow

Bootstrap drives the full provisioning sequence for a worker or controller:
wait for the CA to answer its health check, fetch its root certificate over
an unverified "bootstrap" client, generate a key pair and CSR locally (the
key never leaves this process), submit the CSR, and persist the resulting
{cert, key, ca} trio under fixed file names. Each network step retries with
exponential backoff; every phase transition emits a certificate lifecycle
event via pkg/events.

# Certificate authority

Provider is the pluggable signing abstraction the CA service runs against.
DevelopmentCertificateProvider is the only implementation this fabric
requires: it generates its own self-signed root on first use, persists it
under its working directory, and signs CSRs directly with crypto/x509 — no
external process dependency.

# Transport

Bundle.ClientTLSConfig and Bundle.ServerTLSConfig build the tls.Config used
by every intra-fleet HTTPS call: the bundle's own certificate presented to
peers, and the CA certificate pinned as the sole trust root. pkg/transport
wraps these into ready-to-use http.Client and http.Server values.
*/
package security
