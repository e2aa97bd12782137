package rasp

import (
	"context"
	"errors"
)

// DevtoolsThreshold is the outer/inner viewport difference, in pixels,
// above which developer tools are assumed to be docked open.
const DevtoolsThreshold = 160

// RequiredNativeFunctions must all be reported as unmodified built-ins.
var RequiredNativeFunctions = []string{
	"eval",
	"Function",
	"setTimeout",
	"setInterval",
	"fetch",
}

// SuspiciousGlobals are global names introduced by automation and
// injection tooling.
var SuspiciousGlobals = []string{
	"__nightmare",
	"_phantom",
	"callPhantom",
	"webdriver",
	"domAutomation",
	"domAutomationController",
	"__webdriver_evaluate",
	"__selenium_evaluate",
	"__fxdriver_evaluate",
	"Buffer",
	"emit",
	"spawn",
}

// ErrIncompleteReport means the client omitted data required for a check.
var ErrIncompleteReport = errors.New("runtime report incomplete")

// RuntimeReport is what a UI-hosted client reports about its own runtime.
type RuntimeReport struct {
	OuterWidth  int `json:"outerWidth" validate:"gte=0"`
	OuterHeight int `json:"outerHeight" validate:"gte=0"`
	InnerWidth  int `json:"innerWidth" validate:"gte=0"`
	InnerHeight int `json:"innerHeight" validate:"gte=0"`

	// NativeFunctions maps built-in function names to whether they still
	// stringify as native code.
	NativeFunctions map[string]bool `json:"nativeFunctions"`

	// Globals lists the names present in the global namespace.
	Globals []string `json:"globals"`
}

// HostedProbe evaluates a RuntimeReport. A hosted runtime has no
// filesystem, so module integrity cannot be verified.
type HostedProbe struct {
	report RuntimeReport
}

// NewHostedProbe creates a probe over report.
func NewHostedProbe(report RuntimeReport) *HostedProbe {
	return &HostedProbe{report: report}
}

// Name implements Probe.
func (p *HostedProbe) Name() string { return "hosted" }

// ModuleIntegrity always returns ErrUnsupported.
func (p *HostedProbe) ModuleIntegrity(ctx context.Context, module string) error {
	return ErrUnsupported
}

// DebuggerAttached compares outer and inner viewport dimensions.
func (p *HostedProbe) DebuggerAttached(ctx context.Context) (bool, error) {
	r := p.report
	if r.OuterWidth == 0 && r.OuterHeight == 0 && r.InnerWidth == 0 && r.InnerHeight == 0 {
		return false, ErrUnsupported
	}
	widthGap := r.OuterWidth - r.InnerWidth
	heightGap := r.OuterHeight - r.InnerHeight
	return widthGap > DevtoolsThreshold || heightGap > DevtoolsThreshold, nil
}

// InjectionDetected checks that required built-ins are native and that no
// suspicious global has been introduced.
func (p *HostedProbe) InjectionDetected(ctx context.Context) (bool, error) {
	if p.report.NativeFunctions == nil {
		return false, ErrIncompleteReport
	}

	for _, fn := range RequiredNativeFunctions {
		if native, ok := p.report.NativeFunctions[fn]; !ok || !native {
			return true, nil
		}
	}

	suspicious := make(map[string]struct{}, len(SuspiciousGlobals))
	for _, g := range SuspiciousGlobals {
		suspicious[g] = struct{}{}
	}
	for _, g := range p.report.Globals {
		if _, ok := suspicious[g]; ok {
			return true, nil
		}
	}
	return false, nil
}
