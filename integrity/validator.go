// Package integrity checks the application facts a client reports about
// itself against a trusted baseline of signing certificates and installers.
package integrity

import (
	"regexp"
	"strings"
	"time"

	"github.com/kacy/trust-attestation/risk"
)

// RecentUpdateWindow is how soon after an update an app is treated as
// possibly tampered with.
const RecentUpdateWindow = 24 * time.Hour

// Issue messages appended to Verdict.Issues.
const (
	IssueSignatureMismatch  = "App signature mismatch - possible tampering"
	IssueDebuggable         = "App is debuggable"
	IssueUntrustedInstaller = "App installed from untrusted source"
	IssueSideloaded         = "App was sideloaded"
	IssueInvalidPackageName = "Invalid package name format"
	IssueRecentlyUpdated    = "App was recently updated - verify integrity"
)

// packageNamePattern requires at least two dot-separated segments, each
// starting with a lowercase letter.
var packageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Facts are the application properties reported for one request.
type Facts struct {
	AppSignature     string `json:"appSignature" cbor:"appSignature"`
	PackageName      string `json:"packageName" cbor:"packageName"`
	VersionCode      int64  `json:"versionCode" cbor:"versionCode"`
	InstallerPackage string `json:"installerPackage,omitempty" cbor:"installerPackage"`
	IsDebuggable     bool   `json:"isDebuggable" cbor:"isDebuggable"`
	FirstInstallTime int64  `json:"firstInstallTime" cbor:"firstInstallTime"`
	LastUpdateTime   int64  `json:"lastUpdateTime" cbor:"lastUpdateTime"`
}

// Canonical returns a copy with invalid UTF-8 in string fields replaced, so
// the facts survive a JSON round trip unchanged.
func (f Facts) Canonical() Facts {
	f.AppSignature = strings.ToValidUTF8(f.AppSignature, "\uFFFD")
	f.PackageName = strings.ToValidUTF8(f.PackageName, "\uFFFD")
	f.InstallerPackage = strings.ToValidUTF8(f.InstallerPackage, "\uFFFD")
	return f
}

// Verdict is the result of validating Facts.
type Verdict struct {
	Valid     bool       `json:"valid"`
	RiskLevel risk.Level `json:"riskLevel"`
	Issues    []string   `json:"issues"`
}

// Config holds the trusted baseline.
type Config struct {
	// TrustedSignatures are the accepted app signing signatures. Comparison
	// ignores case and ':' separators.
	TrustedSignatures []string

	// TrustedInstallers are the accepted installer package names.
	TrustedInstallers []string

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultTrustedInstallers are the stores accepted when Config leaves the
// list empty.
var DefaultTrustedInstallers = []string{
	"com.android.vending",
	"com.google.android.feedback",
}

// Validator validates application facts.
type Validator struct {
	signatures map[string]struct{}
	installers map[string]struct{}
	now        func() time.Time
}

// NewValidator creates a new app integrity validator.
func NewValidator(cfg Config) *Validator {
	signatures := make(map[string]struct{}, len(cfg.TrustedSignatures))
	for _, sig := range cfg.TrustedSignatures {
		signatures[NormalizeSignature(sig)] = struct{}{}
	}

	installerList := cfg.TrustedInstallers
	if len(installerList) == 0 {
		installerList = DefaultTrustedInstallers
	}
	installers := make(map[string]struct{}, len(installerList))
	for _, inst := range installerList {
		installers[inst] = struct{}{}
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Validator{
		signatures: signatures,
		installers: installers,
		now:        now,
	}
}

// Validate evaluates every check in order. Risk only rises as issues are
// found; Valid is true iff no issue was recorded.
func (v *Validator) Validate(facts Facts) Verdict {
	var (
		issues []string
		level  = risk.Low
	)

	if _, ok := v.signatures[NormalizeSignature(facts.AppSignature)]; !ok || facts.AppSignature == "" {
		issues = append(issues, IssueSignatureMismatch)
		level.Raise(risk.High)
	}

	if facts.IsDebuggable {
		issues = append(issues, IssueDebuggable)
		level.Raise(risk.Medium)
	}

	if facts.InstallerPackage != "" {
		if _, ok := v.installers[facts.InstallerPackage]; !ok {
			issues = append(issues, IssueUntrustedInstaller)
			level.Raise(risk.High)
		}
	} else {
		issues = append(issues, IssueSideloaded)
		level.Raise(risk.High)
	}

	if !ValidPackageName(facts.PackageName) {
		issues = append(issues, IssueInvalidPackageName)
		level.Raise(risk.High)
	}

	sinceUpdate := v.now().Sub(time.UnixMilli(facts.LastUpdateTime))
	if sinceUpdate < RecentUpdateWindow {
		issues = append(issues, IssueRecentlyUpdated)
		level.Raise(risk.Medium)
	}

	if issues == nil {
		issues = []string{}
	}

	return Verdict{
		Valid:     len(issues) == 0,
		RiskLevel: level,
		Issues:    issues,
	}
}

// ValidPackageName reports whether name has the dotted lowercase shape of
// an application identifier.
func ValidPackageName(name string) bool {
	return packageNamePattern.MatchString(name)
}

// NormalizeSignature canonicalizes a hex signature for comparison.
func NormalizeSignature(sig string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(sig), ":", ""))
}
