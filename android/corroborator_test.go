package android

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/playintegrity/v1"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/logging"
)

func init() {
	logging.Discard()
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testPackage = "com.example.wallet"

var certDigest = sha256.Sum256([]byte("signing certificate"))

func recognizedPayload() *playintegrity.TokenPayloadExternal {
	return &playintegrity.TokenPayloadExternal{
		RequestDetails: &playintegrity.RequestDetails{
			RequestPackageName: testPackage,
			TimestampMillis:    testNow.Add(-30 * time.Second).UnixMilli(),
		},
		AppIntegrity: &playintegrity.AppIntegrity{
			AppRecognitionVerdict:   "PLAY_RECOGNIZED",
			PackageName:             testPackage,
			VersionCode:             77,
			CertificateSha256Digest: []string{base64.RawURLEncoding.EncodeToString(certDigest[:])},
		},
		DeviceIntegrity: &playintegrity.DeviceIntegrity{
			DeviceRecognitionVerdict: []string{"MEETS_DEVICE_INTEGRITY"},
		},
	}
}

func reportedFacts() integrity.Facts {
	return integrity.Facts{
		AppSignature:     "CLIENTSIG",
		PackageName:      "com.evil.clone",
		VersionCode:      1,
		InstallerPackage: "com.android.vending",
		LastUpdateTime:   testNow.Add(-10 * 24 * time.Hour).UnixMilli(),
	}
}

type fakeDecoder struct {
	payload *playintegrity.TokenPayloadExternal
	err     error
	calls   int
}

func (f *fakeDecoder) Decode(ctx context.Context, packageName, token string) (*playintegrity.TokenPayloadExternal, error) {
	f.calls++
	return f.payload, f.err
}

func TestNewCorroborator_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{
			name:   "missing package name",
			config: Config{GCPProjectID: "my-project"},
			errMsg: "package name is required",
		},
		{
			name:   "missing GCP project ID",
			config: Config{PackageName: testPackage},
			errMsg: "GCP project ID is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCorroborator(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestApply_Recognized(t *testing.T) {
	facts, err := Apply(recognizedPayload(), reportedFacts(), testPackage, 5*time.Minute, testNow)
	require.NoError(t, err)

	assert.Equal(t, testPackage, facts.PackageName)
	assert.Equal(t, int64(77), facts.VersionCode)
	assert.Equal(t, PlayStoreInstaller, facts.InstallerPackage)
	assert.Equal(t, strings.ToUpper(hex.EncodeToString(certDigest[:])), facts.AppSignature)

	// Untouched fields pass through
	assert.Equal(t, reportedFacts().LastUpdateTime, facts.LastUpdateTime)
}

func TestApply_Unrecognized(t *testing.T) {
	payload := recognizedPayload()
	payload.AppIntegrity.AppRecognitionVerdict = "UNRECOGNIZED_VERSION"

	facts, err := Apply(payload, reportedFacts(), testPackage, 5*time.Minute, testNow)
	require.NoError(t, err)
	assert.Empty(t, facts.InstallerPackage)
}

func TestApply_NoCertificate(t *testing.T) {
	payload := recognizedPayload()
	payload.AppIntegrity.CertificateSha256Digest = nil

	facts, err := Apply(payload, reportedFacts(), testPackage, 5*time.Minute, testNow)
	require.NoError(t, err)
	assert.Empty(t, facts.AppSignature)
}

func TestApply_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*playintegrity.TokenPayloadExternal)
		wantErr error
	}{
		{
			name:    "missing request details",
			mutate:  func(p *playintegrity.TokenPayloadExternal) { p.RequestDetails = nil },
			wantErr: ErrVerificationFailed,
		},
		{
			name:    "other package",
			mutate:  func(p *playintegrity.TokenPayloadExternal) { p.RequestDetails.RequestPackageName = "com.other.app" },
			wantErr: ErrInvalidPackageName,
		},
		{
			name: "stale token",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.RequestDetails.TimestampMillis = testNow.Add(-time.Hour).UnixMilli()
			},
			wantErr: ErrTokenExpired,
		},
		{
			name: "future token",
			mutate: func(p *playintegrity.TokenPayloadExternal) {
				p.RequestDetails.TimestampMillis = testNow.Add(time.Hour).UnixMilli()
			},
			wantErr: ErrTokenExpired,
		},
		{
			name:    "missing app integrity",
			mutate:  func(p *playintegrity.TokenPayloadExternal) { p.AppIntegrity = nil },
			wantErr: ErrVerificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := recognizedPayload()
			tt.mutate(payload)

			_, err := Apply(payload, reportedFacts(), testPackage, 5*time.Minute, testNow)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := Apply(nil, reportedFacts(), testPackage, 5*time.Minute, testNow)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestCorroborator_Corroborate(t *testing.T) {
	decoder := &fakeDecoder{payload: recognizedPayload()}
	c, err := NewCorroborator(Config{
		PackageName:  testPackage,
		GCPProjectID: "my-project",
		Decoder:      decoder,
		Now:          func() time.Time { return testNow },
	})
	require.NoError(t, err)

	facts, err := c.Corroborate(context.Background(), "token", reportedFacts())
	require.NoError(t, err)
	assert.Equal(t, 1, decoder.calls)
	assert.Equal(t, testPackage, facts.PackageName)
	assert.Equal(t, PlayStoreInstaller, facts.InstallerPackage)
}

func TestCorroborator_FailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		decoder *fakeDecoder
	}{
		{name: "decode error", decoder: &fakeDecoder{err: errors.New("invalid token")}},
		{name: "wrong package", decoder: &fakeDecoder{payload: func() *playintegrity.TokenPayloadExternal {
			p := recognizedPayload()
			p.RequestDetails.RequestPackageName = "com.other.app"
			return p
		}()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCorroborator(Config{
				PackageName:  testPackage,
				GCPProjectID: "my-project",
				Decoder:      tt.decoder,
				Now:          func() time.Time { return testNow },
			})
			require.NoError(t, err)

			facts, err := c.Corroborate(context.Background(), "token", reportedFacts())
			assert.Error(t, err)
			assert.Empty(t, facts.AppSignature)
			assert.Empty(t, facts.InstallerPackage)

			verdict := integrity.NewValidator(integrity.Config{
				TrustedSignatures: []string{"CLIENTSIG"},
				Now:               func() time.Time { return testNow },
			}).Validate(facts)
			assert.False(t, verdict.Valid)
		})
	}
}

func TestCorroborator_MissingToken(t *testing.T) {
	decoder := &fakeDecoder{payload: recognizedPayload()}
	c, err := NewCorroborator(Config{
		PackageName:  testPackage,
		GCPProjectID: "my-project",
		Decoder:      decoder,
		Now:          func() time.Time { return testNow },
	})
	require.NoError(t, err)

	facts, err := c.Corroborate(context.Background(), "", reportedFacts())
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Zero(t, decoder.calls)
	assert.Empty(t, facts.AppSignature)
	assert.Empty(t, facts.InstallerPackage)
}
