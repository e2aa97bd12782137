package rasp

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// NativeReport is what a native client application reports about its own
// process. Fields the client could not collect are left nil.
type NativeReport struct {
	// TracerPid is the tracer process id from the client's process status,
	// 0 when untraced.
	TracerPid *int `json:"tracerPid,omitempty" validate:"omitempty,gte=0"`

	// Environment holds the client's values of PreloadVariables.
	Environment map[string]string `json:"environment,omitempty" validate:"max=64"`

	// MappedLibraries lists the file paths mapped into the client process.
	MappedLibraries []string `json:"mappedLibraries,omitempty" validate:"max=8192"`

	// ModuleDigests maps protection module names to the hex SHA-256 digest
	// of the client's artifact.
	ModuleDigests map[string]string `json:"moduleDigests,omitempty" validate:"max=64"`
}

// ReportedProbe evaluates a NativeReport against the expected module
// digests. It applies the same rules as NativeProbe to data collected on
// the client.
type ReportedProbe struct {
	report   NativeReport
	expected map[string]string
}

// NewReportedProbe creates a probe over report. Only the Name and SHA256 of
// modules are used.
func NewReportedProbe(report NativeReport, modules []Module) *ReportedProbe {
	expected := make(map[string]string, len(modules))
	for _, m := range modules {
		expected[m.Name] = m.SHA256
	}
	return &ReportedProbe{report: report, expected: expected}
}

// Name implements Probe.
func (p *ReportedProbe) Name() string { return "reported" }

// ModuleIntegrity compares the reported digest with the expected one.
func (p *ReportedProbe) ModuleIntegrity(ctx context.Context, module string) error {
	want, ok := p.expected[module]
	if !ok {
		return fmt.Errorf("%w: %s is not configured", ErrModuleNotFound, module)
	}
	got, ok := p.report.ModuleDigests[module]
	if !ok {
		return fmt.Errorf("%w: %s was not reported", ErrModuleNotFound, module)
	}

	actual, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil {
		return fmt.Errorf("%w: %s reported a malformed digest", ErrModuleTampered, module)
	}
	return compareDigest(module, actual, want)
}

// DebuggerAttached checks the reported tracer.
func (p *ReportedProbe) DebuggerAttached(ctx context.Context) (bool, error) {
	if p.report.TracerPid == nil {
		return false, ErrUnsupported
	}
	return *p.report.TracerPid != 0, nil
}

// InjectionDetected checks the reported preload variables and mapped
// libraries.
func (p *ReportedProbe) InjectionDetected(ctx context.Context) (bool, error) {
	env := p.report.Environment
	if preloaded(func(name string) string { return env[name] }) {
		return true, nil
	}
	if p.report.MappedLibraries == nil {
		return false, ErrUnsupported
	}
	return anyInstrumented(p.report.MappedLibraries), nil
}
