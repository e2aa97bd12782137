package pinning

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/metrics"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonNoConfiguration = "no pinning configuration for domain"
	ReasonExpired         = "pinning configuration expired"
	ReasonPinMismatch     = "pin validation failed"
)

// Config holds configuration for the certificate validator.
type Config struct {
	// Store supplies the active pin table (required).
	Store *Store

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Result is the outcome of validating one certificate chain.
type Result struct {
	// Valid indicates whether some certificate in the chain matched a pin.
	Valid bool

	// Record is the pin record used for the decision, if one was found.
	Record *PinnedCertificate

	// Degraded is set when the match was against a backup pin.
	Degraded bool

	// MatchedPin is the pin that matched.
	MatchedPin string

	// Reason explains an invalid result.
	Reason string
}

// Validator checks certificate chains against the pin table.
type Validator struct {
	store *Store
	now   func() time.Time
}

// NewValidator creates a new certificate pin validator.
func NewValidator(cfg Config) (*Validator, error) {
	if cfg.Store == nil {
		return nil, errors.New("pin store is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		store: cfg.Store,
		now:   now,
	}, nil
}

// Validate checks a chain of DER-encoded certificates presented for domain.
// Entries that fail to parse never match.
func (v *Validator) Validate(domain string, chain [][]byte) Result {
	certs := make([]*x509.Certificate, 0, len(chain))
	for i, der := range chain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logging.Logger.WithFields(logrus.Fields{
				"domain": domain,
				"index":  i,
			}).WithError(err).Debug("skipping unparsable certificate in chain")
			certs = append(certs, nil)
			continue
		}
		certs = append(certs, cert)
	}
	return v.ValidateCertificates(domain, certs)
}

// ValidateConnection checks the peer certificates of an established TLS
// connection against the pins for its server name.
func (v *Validator) ValidateConnection(state tls.ConnectionState) Result {
	return v.ValidateCertificates(state.ServerName, state.PeerCertificates)
}

// ValidateCertificates checks parsed certificates presented for domain.
func (v *Validator) ValidateCertificates(domain string, chain []*x509.Certificate) Result {
	record := v.store.Table().Lookup(domain)
	if record == nil {
		metrics.ObservePinValidation(metrics.PinOutcomeNoConfig)
		return Result{Reason: ReasonNoConfiguration}
	}

	if record.Expired(v.now()) {
		logging.Logger.WithFields(logrus.Fields{
			"domain":     domain,
			"record":     record.Domain,
			"expires_at": record.ExpiresAt,
		}).Warn("pin record expired, refusing to validate")
		metrics.ObservePinValidation(metrics.PinOutcomeExpired)
		return Result{Record: record, Reason: ReasonExpired}
	}

	primary := toSet(record.Pins)
	backup := toSet(record.BackupPins)

	for _, cert := range chain {
		if cert == nil {
			continue
		}
		pin, err := ComputePin(cert, record.Algorithm)
		if err != nil {
			continue
		}

		if _, ok := primary[pin]; ok {
			metrics.ObservePinValidation(metrics.PinOutcomePrimary)
			return Result{Valid: true, Record: record, MatchedPin: pin}
		}
		if _, ok := backup[pin]; ok {
			logging.Logger.WithFields(logrus.Fields{
				"domain": domain,
				"record": record.Domain,
				"pin":    pin,
			}).Warn("certificate matched backup pin, rotation in progress")
			metrics.ObservePinValidation(metrics.PinOutcomeBackup)
			return Result{Valid: true, Record: record, Degraded: true, MatchedPin: pin}
		}
	}

	metrics.ObservePinValidation(metrics.PinOutcomeNoMatch)
	return Result{Record: record, Reason: ReasonPinMismatch}
}

// ComputePin hashes the certificate's SubjectPublicKeyInfo with alg and
// returns the standard base64 encoding.
func ComputePin(cert *x509.Certificate, alg Algorithm) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	h.Write(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
