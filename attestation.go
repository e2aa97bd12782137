package attestation

import (
	"errors"
	"time"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/risk"
	"github.com/kacy/trust-attestation/rootdetect"
)

// TrustLevel is the composed app/device trust of an attestation.
type TrustLevel string

// TrustLevel constants, from most to least trusted.
const (
	TrustHigh   TrustLevel = "high"
	TrustMedium TrustLevel = "medium"
	TrustLow    TrustLevel = "low"
)

// Lifetime is how long an attestation remains verifiable after issuance.
const Lifetime = 24 * time.Hour

// MinSecretLength is the minimum MAC secret length in bytes.
const MinSecretLength = 32

// Common errors returned by the attestation package.
var (
	ErrSecretMissing  = errors.New("attestation MAC secret not configured")
	ErrSecretTooShort = errors.New("attestation MAC secret too short")
	ErrServerClosed   = errors.New("server is closed")

	ErrConflictingReports = errors.New("request carries both a runtime and a native report")

	ErrMalformedToken     = errors.New("malformed attestation token")
	ErrUnknownToken       = errors.New("unknown attestation token")
	ErrTokenMismatch      = errors.New("attestation token does not match payload")
	ErrAttestationExpired = errors.New("attestation expired")
	ErrStoreUnavailable   = errors.New("attestation store unavailable")
)

// Attestation is a signed, time-bounded statement of how far a client
// session can be trusted. It is never modified after issuance.
type Attestation struct {
	Facts      integrity.Facts    `json:"facts"`
	Signals    rootdetect.Signals `json:"deviceSignals"`
	Integrity  integrity.Verdict  `json:"integrityVerdict"`
	Root       rootdetect.Verdict `json:"rootVerdict"`
	RASP       rasp.Report        `json:"raspVerdict"`
	TrustLevel TrustLevel         `json:"trustLevel"`
	IssuedAt   time.Time          `json:"issuedAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
	Nonce      string             `json:"nonce"`

	// Token is the hex MAC over the other fields. Callers pass it back to
	// Verify verbatim and must not parse it.
	Token string `json:"token"`
}

// Expired reports whether the attestation is past its expiry at now.
func (a *Attestation) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// VerificationResult is the outcome of verifying a token.
type VerificationResult struct {
	Valid      bool       `json:"valid"`
	TrustLevel TrustLevel `json:"trustLevel,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt,omitempty"`

	// Err explains an invalid result. It is nil when Valid is true.
	Err error `json:"-"`
}

// ComposeTrust derives the trust level from the integrity and RASP verdicts.
// An invalid app or a tampered runtime is always low trust, whatever the
// individual risk levels say.
func ComposeTrust(app integrity.Verdict, runtime rasp.Report) TrustLevel {
	switch {
	case !app.Valid || !runtime.IsIntact:
		return TrustLow
	case app.RiskLevel == risk.Medium || runtime.RiskLevel == risk.Medium:
		return TrustMedium
	default:
		return TrustHigh
	}
}
