package attestation

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/logging"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/risk"
	"github.com/kacy/trust-attestation/rootdetect"
	"github.com/kacy/trust-attestation/store"
)

func init() {
	logging.Discard()
}

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

const trustedSig = "AB:CD:EF:01:23:45"

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// cleanProbe passes every check.
type cleanProbe struct{}

func (cleanProbe) Name() string                                    { return "clean" }
func (cleanProbe) ModuleIntegrity(context.Context, string) error   { return nil }
func (cleanProbe) DebuggerAttached(context.Context) (bool, error)  { return false, nil }
func (cleanProbe) InjectionDetected(context.Context) (bool, error) { return false, nil }

// debuggedProbe reports an attached debugger.
type debuggedProbe struct{ cleanProbe }

func (debuggedProbe) DebuggerAttached(context.Context) (bool, error) { return true, nil }

// partialProbe cannot check the debugger.
type partialProbe struct{ cleanProbe }

func (partialProbe) DebuggerAttached(context.Context) (bool, error) { return false, rasp.ErrUnsupported }

func goodFacts() integrity.Facts {
	return integrity.Facts{
		AppSignature:     "abcdef012345",
		PackageName:      "com.example.wallet",
		VersionCode:      42,
		InstallerPackage: "com.android.vending",
		FirstInstallTime: testNow.Add(-90 * 24 * time.Hour).UnixMilli(),
		LastUpdateTime:   testNow.Add(-10 * 24 * time.Hour).UnixMilli(),
	}
}

func cleanSignals() rootdetect.Signals {
	return rootdetect.Signals{
		BuildTags:         "release-keys",
		BuildType:         "user",
		SystemProperties:  map[string]string{"ro.secure": "1", "ro.debuggable": "0"},
		InstalledPackages: []string{"com.example.wallet", "com.android.chrome"},
	}
}

type testIssuer struct {
	*Issuer
	clock *fakeClock
	store *store.MemoryStore
}

func newTestIssuer(t *testing.T, probe rasp.Probe) *testIssuer {
	t.Helper()
	clock := newFakeClock(testNow)
	st := store.NewMemoryStore(store.Config{Now: clock.Now})
	t.Cleanup(st.Close)

	issuer, err := NewIssuer(IssuerConfig{
		Secret: testSecret,
		Store:  st,
		Integrity: integrity.NewValidator(integrity.Config{
			TrustedSignatures: []string{trustedSig},
			Now:               clock.Now,
		}),
		Probe: probe,
		Now:   clock.Now,
	})
	require.NoError(t, err)
	return &testIssuer{Issuer: issuer, clock: clock, store: st}
}

func TestNewIssuer_Secret(t *testing.T) {
	st := store.NewMemoryStore(store.Config{})
	defer st.Close()

	_, err := NewIssuer(IssuerConfig{Store: st})
	assert.ErrorIs(t, err, ErrSecretMissing)

	_, err = NewIssuer(IssuerConfig{Secret: []byte("short"), Store: st})
	assert.ErrorIs(t, err, ErrSecretTooShort)

	_, err = NewIssuer(IssuerConfig{Secret: testSecret})
	assert.Error(t, err)

	_, err = NewIssuer(IssuerConfig{Secret: testSecret, Store: st})
	assert.NoError(t, err)
}

func TestComposeTrust(t *testing.T) {
	validLow := integrity.Verdict{Valid: true, RiskLevel: risk.Low}
	validMedium := integrity.Verdict{Valid: true, RiskLevel: risk.Medium}
	invalid := integrity.Verdict{Valid: false, RiskLevel: risk.High}
	intact := rasp.Report{IsIntact: true, RiskLevel: risk.Low}
	intactMedium := rasp.Report{IsIntact: true, RiskLevel: risk.Medium}
	tampered := rasp.Report{IsIntact: false, RiskLevel: risk.High}

	tests := []struct {
		name    string
		app     integrity.Verdict
		runtime rasp.Report
		want    TrustLevel
	}{
		{"all clear", validLow, intact, TrustHigh},
		{"app medium", validMedium, intact, TrustMedium},
		{"runtime medium", validLow, intactMedium, TrustMedium},
		{"invalid app with intact runtime", invalid, intact, TrustLow},
		{"tampered runtime", validLow, tampered, TrustLow},
		{"both bad", invalid, tampered, TrustLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComposeTrust(tt.app, tt.runtime))
		})
	}
}

func TestIssuer_IssueHighTrust(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})

	a, err := ti.Issue(context.Background(), goodFacts(), cleanSignals())
	require.NoError(t, err)

	assert.Equal(t, TrustHigh, a.TrustLevel)
	assert.True(t, a.Integrity.Valid)
	assert.True(t, a.RASP.IsIntact)
	assert.False(t, a.Root.IsRooted)
	assert.Equal(t, testNow, a.IssuedAt)
	assert.Equal(t, testNow.Add(24*time.Hour), a.ExpiresAt)
	assert.Len(t, a.Nonce, 36)
	assert.Regexp(t, `^[0-9a-f]{64}$`, a.Token)
	assert.Equal(t, 1, ti.store.Len())
}

func TestIssuer_IntegrityInvalidIsLowTrust(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})

	facts := goodFacts()
	facts.InstallerPackage = ""

	a, err := ti.Issue(context.Background(), facts, cleanSignals())
	require.NoError(t, err)
	assert.True(t, a.RASP.IsIntact)
	assert.Equal(t, TrustLow, a.TrustLevel)
	assert.Contains(t, a.Integrity.Issues, integrity.IssueSideloaded)
}

func TestIssuer_TrustLevels(t *testing.T) {
	tests := []struct {
		name  string
		probe rasp.Probe
		facts func() integrity.Facts
		want  TrustLevel
	}{
		{
			name:  "debugger attached",
			probe: debuggedProbe{},
			facts: goodFacts,
			want:  TrustLow,
		},
		{
			name:  "no probe",
			probe: nil,
			facts: goodFacts,
			want:  TrustLow,
		},
		{
			name:  "unverifiable check",
			probe: partialProbe{},
			facts: goodFacts,
			want:  TrustMedium,
		},
		{
			name:  "hosted runtime",
			probe: rasp.NewHostedProbe(rasp.RuntimeReport{
				OuterWidth: 1440, OuterHeight: 900, InnerWidth: 1440, InnerHeight: 820,
				NativeFunctions: map[string]bool{
					"eval": true, "Function": true, "setTimeout": true, "setInterval": true, "fetch": true,
				},
			}),
			facts: goodFacts,
			want:  TrustMedium,
		},
		{
			name:  "debuggable build",
			probe: cleanProbe{},
			facts: func() integrity.Facts {
				f := goodFacts()
				f.IsDebuggable = true
				return f
			},
			want: TrustLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ti := newTestIssuer(t, cleanProbe{})

			a, err := ti.IssueWithProbe(context.Background(), tt.facts(), cleanSignals(), tt.probe)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.TrustLevel)
		})
	}
}

func TestIssuer_RootVerdictCarried(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})

	signals := cleanSignals()
	signals.BuildTags = "test-keys"
	signals.InstalledPackages = append(signals.InstalledPackages, "com.topjohnwu.magisk")

	a, err := ti.Issue(context.Background(), goodFacts(), signals)
	require.NoError(t, err)
	assert.True(t, a.Root.IsRooted)
	assert.Equal(t, 70, a.Root.Confidence)
}

func TestIssuer_RoundTrip(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	for _, probe := range []rasp.Probe{cleanProbe{}, partialProbe{}, debuggedProbe{}} {
		a, err := ti.IssueWithProbe(ctx, goodFacts(), cleanSignals(), probe)
		require.NoError(t, err)

		result := ti.Verify(ctx, a.Token)
		require.NoError(t, result.Err)
		assert.True(t, result.Valid)
		assert.Equal(t, a.TrustLevel, result.TrustLevel)
		assert.True(t, a.ExpiresAt.Equal(result.ExpiresAt))
	}
}

func TestIssuer_RoundTripEmptySignals(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	a, err := ti.Issue(ctx, goodFacts(), rootdetect.Signals{})
	require.NoError(t, err)

	result := ti.Verify(ctx, a.Token)
	assert.True(t, result.Valid)
}

func TestIssuer_RoundTripInvalidUTF8(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	facts := goodFacts()
	facts.InstallerPackage = "com.android.vending\xfe"
	signals := cleanSignals()
	signals.BuildTags = "release-keys\x80"
	signals.SystemProperties["ro.product.model"] = "Pixel\xff"
	signals.InstalledPackages = append(signals.InstalledPackages, "com.example\xc3")

	a, err := ti.Issue(ctx, facts, signals)
	require.NoError(t, err)
	assert.Equal(t, "Pixel\uFFFD", a.Signals.SystemProperties["ro.product.model"])
	assert.Equal(t, "release-keys\uFFFD", a.Signals.BuildTags)

	result := ti.Verify(ctx, a.Token)
	require.NoError(t, result.Err)
	assert.True(t, result.Valid)
}

func TestIssuer_UniqueTokens(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	first, err := ti.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)
	second, err := ti.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestIssuer_VerifyIdempotent(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	a, err := ti.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)

	first := ti.Verify(ctx, a.Token)
	second := ti.Verify(ctx, a.Token)
	assert.Equal(t, first, second)

	bad := strings.Repeat("0", 64)
	assert.Equal(t, ti.Verify(ctx, bad), ti.Verify(ctx, bad))
}

func TestIssuer_VerifyExpiry(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	a, err := ti.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)

	ti.clock.Advance(24 * time.Hour)
	assert.True(t, ti.Verify(ctx, a.Token).Valid)

	ti.clock.Advance(time.Millisecond)
	result := ti.Verify(ctx, a.Token)
	assert.False(t, result.Valid)
	assert.ErrorIs(t, result.Err, ErrAttestationExpired)
	assert.Empty(t, result.TrustLevel)
}

func TestIssuer_VerifyMalformed(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})

	for _, token := range []string{
		"",
		"abc",
		strings.Repeat("g", 64),
		strings.Repeat("A", 64),
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
	} {
		result := ti.Verify(context.Background(), token)
		assert.False(t, result.Valid)
		assert.ErrorIs(t, result.Err, ErrMalformedToken, token)
	}
}

func TestIssuer_VerifyUnknown(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})

	result := ti.Verify(context.Background(), strings.Repeat("ab", 32))
	assert.False(t, result.Valid)
	assert.ErrorIs(t, result.Err, ErrUnknownToken)
}

func TestIssuer_VerifyDetectsTamperedRecord(t *testing.T) {
	clock := newFakeClock(testNow)
	st := &rewritingStore{MemoryStore: store.NewMemoryStore(store.Config{Now: clock.Now})}
	defer st.Close()

	issuer, err := NewIssuer(IssuerConfig{
		Secret: testSecret,
		Store:  st,
		Integrity: integrity.NewValidator(integrity.Config{
			TrustedSignatures: []string{trustedSig},
			Now:               clock.Now,
		}),
		Probe: debuggedProbe{},
		Now:   clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	a, err := issuer.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)
	require.Equal(t, TrustLow, a.TrustLevel)

	// Promote the stored record to high trust
	st.rewrite = func(a *Attestation) { a.TrustLevel = TrustHigh }

	result := issuer.Verify(ctx, a.Token)
	assert.False(t, result.Valid)
	assert.ErrorIs(t, result.Err, ErrTokenMismatch)
}

func TestIssuer_VerifyWithOtherSecret(t *testing.T) {
	ti := newTestIssuer(t, cleanProbe{})
	ctx := context.Background()

	a, err := ti.Issue(ctx, goodFacts(), cleanSignals())
	require.NoError(t, err)

	other, err := NewIssuer(IssuerConfig{
		Secret: []byte("fedcba9876543210fedcba9876543210"),
		Store:  ti.store,
		Now:    ti.clock.Now,
	})
	require.NoError(t, err)

	result := other.Verify(ctx, a.Token)
	assert.ErrorIs(t, result.Err, ErrTokenMismatch)
}

func TestIssuer_StoreFailure(t *testing.T) {
	clock := newFakeClock(testNow)
	st := store.NewMemoryStore(store.Config{Now: clock.Now})
	issuer, err := NewIssuer(IssuerConfig{Secret: testSecret, Store: st, Probe: cleanProbe{}, Now: clock.Now})
	require.NoError(t, err)
	st.Close()

	_, err = issuer.Issue(context.Background(), goodFacts(), cleanSignals())
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	result := issuer.Verify(context.Background(), strings.Repeat("ab", 32))
	assert.ErrorIs(t, result.Err, ErrStoreUnavailable)
}

// rewritingStore edits records on load.
type rewritingStore struct {
	*store.MemoryStore
	rewrite func(*Attestation)
}

func (s *rewritingStore) Load(ctx context.Context, token string) ([]byte, error) {
	data, err := s.MemoryStore.Load(ctx, token)
	if err != nil || s.rewrite == nil {
		return data, err
	}
	var a Attestation
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	s.rewrite(&a)
	return json.Marshal(&a)
}
