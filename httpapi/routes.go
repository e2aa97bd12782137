// Package httpapi exposes the attestation engine over HTTP.
package httpapi

const (
	RouteHealth              = "/health"
	RouteMetrics             = "/metrics"
	RouteValidateCertificate = "/v1/certificates/validate"
	RouteAttest              = "/v1/attestations"
	RouteVerify              = "/v1/attestations/verify"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20
