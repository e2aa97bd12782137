package attestation

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/metrics"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/rootdetect"
	"github.com/kacy/trust-attestation/store"
)

// tokenPattern is the shape of a hex HMAC-SHA256 digest.
var tokenPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Verification outcomes recorded in metrics.
const (
	outcomeValid       = "valid"
	outcomeMalformed   = "malformed"
	outcomeUnknown     = "unknown"
	outcomeMismatch    = "mismatch"
	outcomeExpired     = "expired"
	outcomeUnavailable = "unavailable"
)

// IssuerConfig holds configuration for the attestation issuer.
type IssuerConfig struct {
	// Secret keys the token MAC (required, at least MinSecretLength bytes).
	Secret []byte

	// Store keeps issued attestations for verification (required).
	Store store.Store

	// Integrity validates app facts (default: validator with default installers).
	Integrity *integrity.Validator

	// Root scores device signals (default: detector with default tables).
	Root *rootdetect.Detector

	// RASP runs runtime checks (default: monitor with default modules).
	RASP *rasp.Monitor

	// Probe is used by Issue. IssueWithProbe overrides it per call.
	Probe rasp.Probe

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Issuer mints and verifies attestations.
type Issuer struct {
	key       []byte
	store     store.Store
	integrity *integrity.Validator
	root      *rootdetect.Detector
	rasp      *rasp.Monitor
	probe     rasp.Probe
	now       func() time.Time
}

// NewIssuer creates a new attestation issuer. A missing or short secret is
// a startup error; it is never defaulted.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrSecretMissing
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d", ErrSecretTooShort, len(cfg.Secret), MinSecretLength)
	}
	if cfg.Store == nil {
		return nil, errors.New("attestation store is required")
	}

	key, err := deriveKey(cfg.Secret)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	iv := cfg.Integrity
	if iv == nil {
		iv = integrity.NewValidator(integrity.Config{Now: now})
	}

	root := cfg.Root
	if root == nil {
		root = rootdetect.NewDetector(rootdetect.Config{})
	}

	monitor := cfg.RASP
	if monitor == nil {
		monitor = rasp.NewMonitor(rasp.Config{})
	}

	return &Issuer{
		key:       key,
		store:     cfg.Store,
		integrity: iv,
		root:      root,
		rasp:      monitor,
		probe:     cfg.Probe,
		now:       now,
	}, nil
}

// Issue evaluates facts and signals with the configured probe and mints an
// attestation.
func (i *Issuer) Issue(ctx context.Context, facts integrity.Facts, signals rootdetect.Signals) (*Attestation, error) {
	return i.IssueWithProbe(ctx, facts, signals, i.probe)
}

// IssueWithProbe is like Issue but runs the RASP checks through probe. A nil
// probe yields a tampered RASP verdict and therefore low trust.
//
// Errors are returned only when the attestation cannot be minted or stored;
// verdicts themselves never fail.
func (i *Issuer) IssueWithProbe(ctx context.Context, facts integrity.Facts, signals rootdetect.Signals, probe rasp.Probe) (*Attestation, error) {
	facts = facts.Canonical()
	signals = signals.Canonical()

	appVerdict := i.integrity.Validate(facts)
	rootVerdict := i.root.Detect(signals)
	raspReport := i.rasp.Check(ctx, probe)
	level := ComposeTrust(appVerdict, raspReport)

	nonce, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	issuedAt := i.now().UTC().Truncate(time.Millisecond)
	a := &Attestation{
		Facts:      facts,
		Signals:    signals,
		Integrity:  appVerdict,
		Root:       rootVerdict,
		RASP:       raspReport,
		TrustLevel: level,
		IssuedAt:   issuedAt,
		ExpiresAt:  issuedAt.Add(Lifetime),
		Nonce:      nonce.String(),
	}

	mac, err := computeMAC(i.key, a)
	if err != nil {
		return nil, err
	}
	a.Token = hex.EncodeToString(mac)

	record, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attestation: %w", err)
	}
	if err := i.store.Save(ctx, a.Token, record, a.ExpiresAt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	metrics.ObserveAttestation(string(level))

	entry := logging.Logger.WithFields(logrus.Fields{
		"package":     facts.PackageName,
		"trust_level": level,
		"rooted":      rootVerdict.IsRooted,
		"token":       logging.Redact(a.Token),
	})
	if level == TrustLow {
		entry.WithFields(logrus.Fields{
			"issues":   appVerdict.Issues,
			"tampered": raspReport.TamperedComponents,
		}).Info("issued low-trust attestation")
	} else {
		entry.Debug("issued attestation")
	}

	return a, nil
}

// Verify checks that token was issued by this engine, that the stored
// payload still produces it, and that it has not expired. Verify has no side
// effects; repeated calls give the same answer until expiry.
func (i *Issuer) Verify(ctx context.Context, token string) VerificationResult {
	result := i.verify(ctx, token)

	outcome := outcomeValid
	switch {
	case result.Err == nil:
	case errors.Is(result.Err, ErrMalformedToken):
		outcome = outcomeMalformed
	case errors.Is(result.Err, ErrUnknownToken):
		outcome = outcomeUnknown
	case errors.Is(result.Err, ErrAttestationExpired):
		outcome = outcomeExpired
	case errors.Is(result.Err, ErrStoreUnavailable):
		outcome = outcomeUnavailable
	default:
		outcome = outcomeMismatch
	}
	metrics.ObserveVerification(outcome)

	if result.Err != nil {
		logging.Logger.WithFields(logrus.Fields{
			"token":   logging.Redact(token),
			"outcome": outcome,
		}).WithError(result.Err).Debug("attestation verification failed")
	}

	return result
}

func (i *Issuer) verify(ctx context.Context, token string) VerificationResult {
	// Cheap shape check before touching the store
	if !tokenPattern.MatchString(token) {
		return VerificationResult{Err: ErrMalformedToken}
	}

	record, err := i.store.Load(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return VerificationResult{Err: ErrUnknownToken}
		}
		return VerificationResult{Err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
	}

	var a Attestation
	if err := json.Unmarshal(record, &a); err != nil {
		return VerificationResult{Err: fmt.Errorf("%w: unreadable record: %v", ErrTokenMismatch, err)}
	}

	expected, err := computeMAC(i.key, &a)
	if err != nil {
		return VerificationResult{Err: fmt.Errorf("%w: %v", ErrTokenMismatch, err)}
	}
	given, err := hex.DecodeString(token)
	if err != nil {
		return VerificationResult{Err: ErrMalformedToken}
	}
	if !hmac.Equal(expected, given) {
		return VerificationResult{Err: ErrTokenMismatch}
	}

	if a.Expired(i.now()) {
		return VerificationResult{Err: ErrAttestationExpired}
	}

	return VerificationResult{
		Valid:      true,
		TrustLevel: a.TrustLevel,
		ExpiresAt:  a.ExpiresAt,
	}
}
