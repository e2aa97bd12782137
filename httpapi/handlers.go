package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	attestation "github.com/kacy/trust-attestation"
	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/metrics"
	"github.com/kacy/trust-attestation/pinning"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/rootdetect"
)

var validate = validator.New()

// Engine is the part of attestation.Server the handlers use.
type Engine interface {
	ValidateCertificate(domain string, chain [][]byte) (pinning.Result, error)
	Attest(ctx context.Context, req attestation.AttestRequest) (*attestation.Attestation, error)
	Verify(ctx context.Context, token string) attestation.VerificationResult
}

// ValidateCertificateRequest is the body of a certificate validation call.
type ValidateCertificateRequest struct {
	Domain string `json:"domain" validate:"required,max=253"`

	// Chain holds base64 DER certificates, leaf first.
	Chain []string `json:"chain" validate:"max=16,dive,base64"`
}

// ValidateCertificateResponse is the certificate validation verdict.
type ValidateCertificateResponse struct {
	Valid         bool   `json:"valid"`
	Degraded      bool   `json:"degraded"`
	MatchedDomain string `json:"matchedDomain,omitempty"`
	MatchedPin    string `json:"matchedPin,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// AttestRequest is the body of an attestation call.
type AttestRequest struct {
	App            integrity.Facts     `json:"app"`
	Device         rootdetect.Signals  `json:"device"`
	Runtime        *rasp.RuntimeReport `json:"runtime,omitempty"`
	Native         *rasp.NativeReport  `json:"native,omitempty"`
	IntegrityToken string              `json:"integrityToken,omitempty" validate:"max=16384"`
}

// VerifyRequest is the body of a verification call.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse is the verification verdict. It is returned with status
// 200 whatever the outcome.
type VerifyResponse struct {
	Valid      bool       `json:"valid"`
	TrustLevel string     `json:"trustLevel,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Handler serves the engine's HTTP routes.
type Handler struct {
	engine Engine
}

// NewHandler creates a new Handler.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

// NewRouter wires the engine, health and metrics routes. CORS is enabled on
// the /v1 routes only when allowedOrigins is non-empty.
func NewRouter(h *Handler, health *Health, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()

	router.Handle(RouteHealth, health).Methods(http.MethodGet)
	router.Handle(RouteMetrics, metrics.Handler()).Methods(http.MethodGet)

	v1 := router.NewRoute().Subrouter()
	methods := []string{http.MethodPost}
	if len(allowedOrigins) > 0 {
		c := cors.New(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		})
		v1.Use(c.Handler)
		// Preflight requests must match a route for the middleware to run
		methods = append(methods, http.MethodOptions)
	}
	v1.HandleFunc(RouteValidateCertificate, h.ValidateCertificate).Methods(methods...)
	v1.HandleFunc(RouteAttest, h.Attest).Methods(methods...)
	v1.HandleFunc(RouteVerify, h.Verify).Methods(methods...)

	return router
}

// ValidateCertificate handles POST /v1/certificates/validate.
func (h *Handler) ValidateCertificate(w http.ResponseWriter, r *http.Request) {
	var req ValidateCertificateRequest
	if !decode(w, r, &req) {
		return
	}

	chain := make([][]byte, 0, len(req.Chain))
	for _, enc := range req.Chain {
		der, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeValidation, "chain entries must be base64 DER", err)
			return
		}
		chain = append(chain, der)
	}

	result, err := h.engine.ValidateCertificate(req.Domain, chain)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	resp := ValidateCertificateResponse{
		Valid:      result.Valid,
		Degraded:   result.Degraded,
		MatchedPin: result.MatchedPin,
		Reason:     result.Reason,
	}
	if result.Record != nil {
		resp.MatchedDomain = result.Record.Domain
	}
	respondJSON(w, http.StatusOK, resp)
}

// Attest handles POST /v1/attestations.
func (h *Handler) Attest(w http.ResponseWriter, r *http.Request) {
	var req AttestRequest
	if !decode(w, r, &req) {
		return
	}

	a, err := h.engine.Attest(r.Context(), attestation.AttestRequest{
		Facts:          req.App,
		Signals:        req.Device,
		Runtime:        req.Runtime,
		Native:         req.Native,
		IntegrityToken: req.IntegrityToken,
	})
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// Verify handles POST /v1/attestations/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// An unreadable body is reported as a malformed token verdict
		respondJSON(w, http.StatusOK, VerifyResponse{Error: attestation.ErrMalformedToken.Error()})
		return
	}

	result := h.engine.Verify(r.Context(), req.Token)

	resp := VerifyResponse{Valid: result.Valid}
	if result.Valid {
		resp.TrustLevel = string(result.TrustLevel)
		expiresAt := result.ExpiresAt
		resp.ExpiresAt = &expiresAt
	} else {
		resp.Error = verifyError(result.Err)
	}
	respondJSON(w, http.StatusOK, resp)
}

// verifyError maps a verification error to its public message. Wrapped
// details such as store errors stay in the logs.
func verifyError(err error) string {
	for _, known := range []error{
		attestation.ErrMalformedToken,
		attestation.ErrUnknownToken,
		attestation.ErrTokenMismatch,
		attestation.ErrAttestationExpired,
		attestation.ErrStoreUnavailable,
		attestation.ErrServerClosed,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "attestation invalid"
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attestation.ErrConflictingReports):
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "send either a runtime or a native report", err)
	case errors.Is(err, attestation.ErrServerClosed), errors.Is(err, attestation.ErrStoreUnavailable):
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "attestation engine unavailable", err)
	default:
		respondError(w, http.StatusInternalServerError, ErrCodeInternal, "attestation failed", err)
	}
}

// decode reads a JSON body into dst and validates it. It writes the error
// response and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidPayload, "invalid JSON payload", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeValidation, "request validation failed", err)
		return false
	}
	return true
}
