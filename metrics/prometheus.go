// Package metrics exposes the Prometheus instruments recorded by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pin validation outcomes.
const (
	PinOutcomePrimary  = "primary"
	PinOutcomeBackup   = "backup"
	PinOutcomeNoConfig = "no_config"
	PinOutcomeExpired  = "expired"
	PinOutcomeNoMatch  = "no_match"
)

var (
	pinValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_pin_validations_total",
			Help: "Certificate pin validations by outcome",
		},
		[]string{"outcome"},
	)
	attestationsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_attestations_issued_total",
			Help: "Attestations issued by composed trust level",
		},
		[]string{"trust_level"},
	)
	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_attestation_verifications_total",
			Help: "Attestation token verifications by result",
		},
		[]string{"result"},
	)
	probeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_rasp_probe_failures_total",
			Help: "RASP probe calls that errored, timed out or panicked",
		},
		[]string{"probe", "check"},
	)
	corroborations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_integrity_corroborations_total",
			Help: "Play Integrity corroborations by result",
		},
		[]string{"result"},
	)
	pinTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trust_pin_table_records",
			Help: "Number of records in the active pin table",
		},
	)
)

// ObservePinValidation counts one certificate validation.
func ObservePinValidation(outcome string) {
	pinValidations.WithLabelValues(outcome).Inc()
}

// ObserveAttestation counts one issued attestation.
func ObserveAttestation(trustLevel string) {
	attestationsIssued.WithLabelValues(trustLevel).Inc()
}

// ObserveVerification counts one token verification. result is "valid" or
// a short failure reason.
func ObserveVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

// ObserveProbeFailure counts a RASP probe call that could not complete.
func ObserveProbeFailure(probe, check string) {
	probeFailures.WithLabelValues(probe, check).Inc()
}

// ObserveCorroboration counts one Play Integrity corroboration. result is
// "verified", "failed" or "missing".
func ObserveCorroboration(result string) {
	corroborations.WithLabelValues(result).Inc()
}

// SetPinTableSize records the size of the pin table after a swap.
func SetPinTableSize(n int) {
	pinTableSize.Set(float64(n))
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
