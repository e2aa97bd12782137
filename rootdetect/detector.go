// Package rootdetect scores operating-system signals for signs that a
// device has been rooted.
package rootdetect

import (
	"sort"
	"strings"
)

// Weights added to the raw score by each triggered condition.
const (
	WeightTestKeys         = 30
	WeightDebugBuild       = 25
	WeightRootPackages     = 40
	WeightPropertyEnabled  = 15
	WeightSecurityDisabled = 25

	// RootedThreshold is compared against the unclamped raw score.
	RootedThreshold = 50

	maxConfidence = 100
)

// SecurityProperty is evaluated on its own: "0" means the device runs
// without the secure flag.
const SecurityProperty = "ro.secure"

// DefaultRootPackages are well-known root management apps.
var DefaultRootPackages = []string{
	"com.noshufou.android.su",
	"com.noshufou.android.su.elite",
	"eu.chainfire.supersu",
	"com.koushikdutta.superuser",
	"com.thirdparty.superuser",
	"com.yellowes.su",
	"com.topjohnwu.magisk",
	"com.kingroot.kinguser",
	"com.kingo.root",
	"com.zhiqupk.root.global",
	"com.alephzain.framaroot",
}

// DefaultMonitoredProperties are system properties whose value "1" is
// suspicious. SecurityProperty may be listed; it is handled separately.
var DefaultMonitoredProperties = []string{
	"ro.debuggable",
	"service.adb.root",
	SecurityProperty,
}

// Signals are the device properties reported for one request.
type Signals struct {
	BuildTags         string            `json:"buildTags,omitempty" cbor:"buildTags"`
	BuildType         string            `json:"buildType,omitempty" cbor:"buildType"`
	SystemProperties  map[string]string `json:"systemProperties" cbor:"systemProperties"`
	InstalledPackages []string          `json:"installedPackages" cbor:"installedPackages"`
}

// Canonical returns a copy with invalid UTF-8 replaced and installed
// packages sorted and de-duplicated, so equal sets serialize identically and
// survive a JSON round trip unchanged.
func (s Signals) Canonical() Signals {
	out := Signals{
		BuildTags: validUTF8(s.BuildTags),
		BuildType: validUTF8(s.BuildType),
	}
	if s.SystemProperties != nil {
		out.SystemProperties = make(map[string]string, len(s.SystemProperties))
		for k, v := range s.SystemProperties {
			out.SystemProperties[validUTF8(k)] = validUTF8(v)
		}
	}
	if len(s.InstalledPackages) > 0 {
		seen := make(map[string]struct{}, len(s.InstalledPackages))
		for _, pkg := range s.InstalledPackages {
			pkg = validUTF8(pkg)
			if _, ok := seen[pkg]; ok {
				continue
			}
			seen[pkg] = struct{}{}
			out.InstalledPackages = append(out.InstalledPackages, pkg)
		}
		sort.Strings(out.InstalledPackages)
	}
	return out
}

func validUTF8(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Verdict is the result of root detection.
type Verdict struct {
	IsRooted   bool     `json:"isRooted"`
	Confidence int      `json:"confidence"`
	Indicators []string `json:"indicators"`
}

// Config holds the detection tables.
type Config struct {
	// RootPackages are root management app identifiers (default: DefaultRootPackages).
	RootPackages []string

	// MonitoredProperties are system properties checked for "1"
	// (default: DefaultMonitoredProperties).
	MonitoredProperties []string
}

// Detector scores device signals.
type Detector struct {
	rootPackages map[string]struct{}
	properties   []string
}

// NewDetector creates a new root detector.
func NewDetector(cfg Config) *Detector {
	pkgs := cfg.RootPackages
	if len(pkgs) == 0 {
		pkgs = DefaultRootPackages
	}
	rootPackages := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		rootPackages[p] = struct{}{}
	}

	props := cfg.MonitoredProperties
	if len(props) == 0 {
		props = DefaultMonitoredProperties
	}

	return &Detector{
		rootPackages: rootPackages,
		properties:   append([]string(nil), props...),
	}
}

// Detect computes the root score for signals.
func (d *Detector) Detect(signals Signals) Verdict {
	score := 0
	indicators := []string{}

	if strings.Contains(signals.BuildTags, "test-keys") {
		score += WeightTestKeys
		indicators = append(indicators, "Test keys detected in build")
	}

	if signals.BuildType == "userdebug" || signals.BuildType == "eng" {
		score += WeightDebugBuild
		indicators = append(indicators, "Debug build type: "+signals.BuildType)
	}

	if found := d.rootPackagesIn(signals.InstalledPackages); len(found) > 0 {
		score += WeightRootPackages
		indicators = append(indicators, "Root management apps found: "+strings.Join(found, ", "))
	}

	for _, prop := range d.properties {
		if prop == SecurityProperty {
			continue
		}
		if signals.SystemProperties[prop] == "1" {
			score += WeightPropertyEnabled
			indicators = append(indicators, "Suspicious property: "+prop+"=1")
		}
	}

	if value, ok := signals.SystemProperties[SecurityProperty]; ok && value == "0" {
		score += WeightSecurityDisabled
		indicators = append(indicators, "Security disabled: "+SecurityProperty+"=0")
	}

	confidence := score
	if confidence > maxConfidence {
		confidence = maxConfidence
	}

	return Verdict{
		IsRooted:   score > RootedThreshold,
		Confidence: confidence,
		Indicators: indicators,
	}
}

func (d *Detector) rootPackagesIn(installed []string) []string {
	var found []string
	seen := make(map[string]struct{})
	for _, pkg := range installed {
		if _, ok := d.rootPackages[pkg]; !ok {
			continue
		}
		if _, dup := seen[pkg]; dup {
			continue
		}
		seen[pkg] = struct{}{}
		found = append(found, pkg)
	}
	sort.Strings(found)
	return found
}
