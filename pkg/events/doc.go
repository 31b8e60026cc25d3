/*
Package events implements the certificate lifecycle event taxonomy shared
by the CA service, the bootstrap client, and the worker runtime.

The taxonomy is closed: CertIssued, CertRenewed, CSRGenerated, CSRSubmitted,
CertExpiringSoon, CertExpired, CertValidationFail, CSRFailed, CAUnavailable,
and CertRevoked. A Registry logs a structured record and increments a
Prometheus counter for every Emit call, then invokes any handlers registered
for that Kind via On. Handler panics are recovered and logged, never
propagated, so a misbehaving handler cannot interrupt certificate issuance.

Emit generates a correlation ID of the form "cert_<12 hex chars>" when the
caller does not supply one, so every log line and metric tied to one CSR /
certificate round-trip can be grepped together end to end.

Emit is synchronous: it returns only after every handler for that kind has
run. Callers that need fire-and-forget delivery should hand the Context off
to their own buffered channel inside a Handler.
*/
package events
