// Package android corroborates caller-reported app facts with Google Play
// Integrity verdicts.
//
// A client that can obtain a Play Integrity token sends it alongside its
// self-reported facts. The decoded token is authoritative: it replaces the
// signature, package name, version code and installer before the facts are
// validated. When a token cannot be decoded or fails its own checks the facts
// are made untrustworthy rather than passed through.
//
// See: https://developer.android.com/google/play/integrity
package android

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/metrics"
)

// Corroboration results recorded in metrics.
const (
	resultVerified = "verified"
	resultFailed   = "failed"
	resultMissing  = "missing"
)

// PlayStoreInstaller is reported as the installer for Play-recognized apps.
const PlayStoreInstaller = "com.android.vending"

// Common errors.
var (
	ErrVerificationFailed = errors.New("verification failed")
	ErrInvalidPackageName = errors.New("invalid package name")
	ErrTokenExpired       = errors.New("integrity token expired")
	ErrMissingToken       = errors.New("integrity token missing")
)

// Decoder decodes an integrity token into its payload.
type Decoder interface {
	Decode(ctx context.Context, packageName, token string) (*playintegrity.TokenPayloadExternal, error)
}

// Config holds configuration for Play Integrity corroboration.
type Config struct {
	// PackageName is the app whose tokens are decoded (required).
	PackageName string

	// GCPProjectID is your Google Cloud project ID (required).
	GCPProjectID string

	// GCPCredentialsFile is the path to the service account credentials file.
	// If empty, uses Application Default Credentials.
	GCPCredentialsFile string

	// TokenMaxAge is the maximum age of a token (default: 5 minutes).
	TokenMaxAge time.Duration

	// Decoder overrides the Play Integrity service (optional).
	Decoder Decoder

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// Corroborator overrides app facts with Play Integrity verdicts.
type Corroborator struct {
	decoder     Decoder
	packageName string
	maxAge      time.Duration
	now         func() time.Time
}

// NewCorroborator creates a new Play Integrity corroborator.
func NewCorroborator(cfg Config) (*Corroborator, error) {
	if cfg.PackageName == "" {
		return nil, errors.New("package name is required")
	}
	if cfg.GCPProjectID == "" {
		return nil, errors.New("GCP project ID is required")
	}

	decoder := cfg.Decoder
	if decoder == nil {
		var opts []option.ClientOption
		if cfg.GCPCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
		}

		service, err := playintegrity.NewService(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Play Integrity service: %w", err)
		}
		decoder = &serviceDecoder{service: service}
	}

	maxAge := cfg.TokenMaxAge
	if maxAge == 0 {
		maxAge = 5 * time.Minute
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Corroborator{
		decoder:     decoder,
		packageName: cfg.PackageName,
		maxAge:      maxAge,
		now:         now,
	}, nil
}

// Corroborate decodes token and returns facts with the verified fields
// replaced. On error, including an empty token, the returned facts have no
// signature and no installer, so they can never validate.
func (c *Corroborator) Corroborate(ctx context.Context, token string, facts integrity.Facts) (integrity.Facts, error) {
	if token == "" {
		metrics.ObserveCorroboration(resultMissing)
		return c.reject(facts, ErrMissingToken)
	}

	payload, err := c.decoder.Decode(ctx, c.packageName, token)
	if err != nil {
		err = fmt.Errorf("%w: failed to decode integrity token: %v", ErrVerificationFailed, err)
		metrics.ObserveCorroboration(resultFailed)
		return c.reject(facts, err)
	}

	out, err := Apply(payload, facts, c.packageName, c.maxAge, c.now())
	if err != nil {
		metrics.ObserveCorroboration(resultFailed)
		return c.reject(facts, err)
	}
	metrics.ObserveCorroboration(resultVerified)
	return out, nil
}

func (c *Corroborator) reject(facts integrity.Facts, err error) (integrity.Facts, error) {
	logging.Logger.WithFields(logrus.Fields{
		"package":          c.packageName,
		"reported_package": facts.PackageName,
	}).WithError(err).Warn("play integrity corroboration failed")

	facts.AppSignature = ""
	facts.InstallerPackage = ""
	return facts, err
}

// Apply checks payload against the expected package and token age and
// overrides facts with its verdicts.
func Apply(payload *playintegrity.TokenPayloadExternal, facts integrity.Facts, packageName string, maxAge time.Duration, now time.Time) (integrity.Facts, error) {
	if payload == nil {
		return facts, fmt.Errorf("%w: empty token payload", ErrVerificationFailed)
	}

	details := payload.RequestDetails
	if details == nil {
		return facts, fmt.Errorf("%w: missing request details", ErrVerificationFailed)
	}
	if details.RequestPackageName != packageName {
		return facts, fmt.Errorf("%w: unexpected package name: %s", ErrInvalidPackageName, details.RequestPackageName)
	}

	age := now.Sub(time.UnixMilli(details.TimestampMillis))
	if age > maxAge {
		return facts, fmt.Errorf("%w: token too old (%v)", ErrTokenExpired, age)
	}
	if age < -1*time.Minute {
		return facts, fmt.Errorf("%w: token from the future", ErrTokenExpired)
	}

	app := payload.AppIntegrity
	if app == nil {
		return facts, fmt.Errorf("%w: missing app integrity", ErrVerificationFailed)
	}

	if app.PackageName != "" {
		facts.PackageName = app.PackageName
	}
	if app.VersionCode != 0 {
		facts.VersionCode = app.VersionCode
	}

	facts.AppSignature = ""
	if len(app.CertificateSha256Digest) > 0 {
		facts.AppSignature = digestToHex(app.CertificateSha256Digest[0])
	}

	facts.InstallerPackage = ""
	if app.AppRecognitionVerdict == "PLAY_RECOGNIZED" {
		facts.InstallerPackage = PlayStoreInstaller
	}

	return facts, nil
}

// digestToHex converts a base64url certificate digest into the hex form
// used by the trusted signature list.
func digestToHex(digest string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(digest, "="))
	if err != nil {
		return digest
	}
	return strings.ToUpper(hex.EncodeToString(raw))
}

type serviceDecoder struct {
	service *playintegrity.Service
}

func (d *serviceDecoder) Decode(ctx context.Context, packageName, token string) (*playintegrity.TokenPayloadExternal, error) {
	req := &playintegrity.DecodeIntegrityTokenRequest{
		IntegrityToken: token,
	}

	resp, err := d.service.V1.DecodeIntegrityToken(packageName, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.TokenPayloadExternal, nil
}
