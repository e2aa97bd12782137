// Package rasp checks runtime self-protection signals: that named security
// modules are present and unmodified, that no debugger is attached, and that
// no code has been injected into the runtime.
//
// The environment-specific work lives behind Probe. NativeProbe inspects the
// process it runs in and its files. ReportedProbe evaluates the same signals
// as reported by a native client, and HostedProbe evaluates a runtime report
// sent by a UI-hosted client. Monitor applies one policy to every probe.
package rasp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/metrics"
	"github.com/kacy/trust-attestation/risk"
)

// Component names reported for non-module findings.
const (
	ComponentDebugger  = "debugger"
	ComponentInjection = "code_injection"
	ComponentProbe     = "rasp_probe"
)

// DefaultModules is the set of protection modules checked when Config
// leaves Modules empty.
var DefaultModules = []string{
	"certificate_pinning",
	"app_integrity",
	"root_detection",
	"anti_tampering",
}

// Common errors.
var (
	// ErrUnsupported means the probe cannot evaluate the check in its
	// environment. It is neither a pass nor a failure.
	ErrUnsupported = errors.New("check unsupported in this environment")

	ErrProbeTimeout   = errors.New("probe timed out")
	ErrProbePanic     = errors.New("probe panicked")
	ErrModuleNotFound = errors.New("security module not found")
	ErrModuleTampered = errors.New("security module digest mismatch")
)

// Probe performs environment-specific runtime checks.
type Probe interface {
	// Name identifies the probe in logs and metrics.
	Name() string

	// ModuleIntegrity returns nil if the named module is present and intact.
	ModuleIntegrity(ctx context.Context, module string) error

	// DebuggerAttached reports whether a debugger or inspection tool is active.
	DebuggerAttached(ctx context.Context) (bool, error)

	// InjectionDetected reports whether runtime code has been replaced or
	// foreign code introduced.
	InjectionDetected(ctx context.Context) (bool, error)
}

// Report is the result of one RASP check.
type Report struct {
	IsIntact           bool       `json:"isIntact"`
	TamperedComponents []string   `json:"tamperedComponents"`
	Unverified         []string   `json:"unverified"`
	RiskLevel          risk.Level `json:"riskLevel"`
}

// Config holds configuration for the monitor.
type Config struct {
	// Modules are the protection modules to verify (default: DefaultModules).
	Modules []string

	// Timeout bounds each individual probe call (default: 2 seconds).
	Timeout time.Duration
}

// Monitor runs RASP checks through a Probe.
type Monitor struct {
	modules []string
	timeout time.Duration
}

// NewMonitor creates a new RASP monitor.
func NewMonitor(cfg Config) *Monitor {
	modules := cfg.Modules
	if len(modules) == 0 {
		modules = DefaultModules
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	return &Monitor{
		modules: append([]string(nil), modules...),
		timeout: timeout,
	}
}

// Modules returns the module names the monitor verifies.
func (m *Monitor) Modules() []string {
	return append([]string(nil), m.modules...)
}

// Check runs every check through probe. A probe error, timeout or panic
// counts as tampering; ErrUnsupported marks the check unverified and raises
// risk to at least medium.
func (m *Monitor) Check(ctx context.Context, probe Probe) Report {
	report := Report{
		TamperedComponents: []string{},
		Unverified:         []string{},
	}

	if probe == nil {
		report.TamperedComponents = append(report.TamperedComponents, ComponentProbe)
		report.RiskLevel = risk.High
		return report
	}

	for _, module := range m.modules {
		err := m.call(ctx, probe, "module:"+module, func(ctx context.Context) error {
			return probe.ModuleIntegrity(ctx, module)
		})
		m.record(&report, module, err)
	}

	var attached bool
	err := m.call(ctx, probe, ComponentDebugger, func(ctx context.Context) error {
		var perr error
		attached, perr = probe.DebuggerAttached(ctx)
		return perr
	})
	if err == nil && attached {
		err = errors.New("debugger attached")
	}
	m.record(&report, ComponentDebugger, err)

	var injected bool
	err = m.call(ctx, probe, ComponentInjection, func(ctx context.Context) error {
		var perr error
		injected, perr = probe.InjectionDetected(ctx)
		return perr
	})
	if err == nil && injected {
		err = errors.New("code injection detected")
	}
	m.record(&report, ComponentInjection, err)

	report.IsIntact = len(report.TamperedComponents) == 0
	return report
}

func (m *Monitor) record(report *Report, component string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupported):
		report.Unverified = append(report.Unverified, component)
		report.RiskLevel.Raise(risk.Medium)
	default:
		report.TamperedComponents = append(report.TamperedComponents, component)
		report.RiskLevel.Raise(risk.High)
	}
}

// call runs fn with the per-probe timeout. A probe that ignores its context
// is abandoned when the deadline passes.
func (m *Monitor) call(ctx context.Context, probe Probe, check string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrProbePanic, r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%w: %s", ErrProbeTimeout, check)
	}

	if err != nil && !errors.Is(err, ErrUnsupported) {
		if !errors.Is(err, ErrModuleNotFound) && !errors.Is(err, ErrModuleTampered) {
			metrics.ObserveProbeFailure(probe.Name(), check)
		}
		logging.Logger.WithFields(logrus.Fields{
			"probe": probe.Name(),
			"check": check,
		}).WithError(err).Warn("rasp check failed")
	}
	return err
}
