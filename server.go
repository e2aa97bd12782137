package attestation

import (
	"context"
	"sync"
	"time"

	"github.com/kacy/trust-attestation/android"
	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/pinning"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/rootdetect"
	"github.com/kacy/trust-attestation/store"
)

// Server wires certificate pinning, the attestation issuer and optional
// Play Integrity corroboration behind one facade.
//
// This is the recommended way to use the library for most use cases.
// For advanced customization, use NewIssuer and pinning.NewValidator
// directly with your own store.
type Server struct {
	pins         *pinning.Store
	pinValidator *pinning.Validator
	issuer       *Issuer
	store        store.Store
	ownsStore    bool
	corroborator *android.Corroborator
	clientMods   []rasp.Module

	mu     sync.RWMutex
	closed bool
}

// ServerConfig holds configuration for the attestation server.
type ServerConfig struct {
	// Secret keys the token MAC (required, at least MinSecretLength bytes).
	Secret []byte

	// Pins is the pin table store (default: empty table, so every domain
	// fails validation).
	Pins *pinning.Store

	// Integrity is the trusted app baseline.
	Integrity integrity.Config

	// Root holds the root detection tables.
	Root rootdetect.Config

	// RASP configures the runtime monitor.
	RASP rasp.Config

	// Probe runs RASP checks for requests that carry no client report
	// (optional; without it such requests are low trust). NativeProbe only
	// describes the process it runs in, so set it only when the server is
	// embedded in the client application.
	Probe rasp.Probe

	// ClientModules are the expected module digests checked against a
	// request's NativeReport.
	ClientModules []rasp.Module

	// Store keeps issued attestations (default: in-memory store, closed
	// with the server).
	Store store.Store

	// Android enables Play Integrity corroboration (optional).
	Android *android.Corroborator

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// NewServer creates a new attestation server.
//
// Example:
//
//	server, err := attestation.NewServer(attestation.ServerConfig{
//	    Secret: secret,
//	    Pins:   pinning.NewStore(table),
//	    Integrity: integrity.Config{
//	        TrustedSignatures: []string{"AB:CD:EF:..."},
//	    },
//	    ClientModules: []rasp.Module{{Name: "anti_tampering", SHA256: guardDigest}},
//	})
func NewServer(cfg ServerConfig) (*Server, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	pins := cfg.Pins
	if pins == nil {
		pins = pinning.NewStore(nil)
	}

	pinValidator, err := pinning.NewValidator(pinning.Config{Store: pins, Now: now})
	if err != nil {
		return nil, err
	}

	st := cfg.Store
	ownsStore := false
	if st == nil {
		st = store.NewMemoryStore(store.Config{Now: now})
		ownsStore = true
	}

	integrityCfg := cfg.Integrity
	if integrityCfg.Now == nil {
		integrityCfg.Now = now
	}

	issuer, err := NewIssuer(IssuerConfig{
		Secret:    cfg.Secret,
		Store:     st,
		Integrity: integrity.NewValidator(integrityCfg),
		Root:      rootdetect.NewDetector(cfg.Root),
		RASP:      rasp.NewMonitor(cfg.RASP),
		Probe:     cfg.Probe,
		Now:       now,
	})
	if err != nil {
		if ownsStore {
			st.Close()
		}
		return nil, err
	}

	return &Server{
		pins:         pins,
		pinValidator: pinValidator,
		issuer:       issuer,
		store:        st,
		ownsStore:    ownsStore,
		corroborator: cfg.Android,
		clientMods:   append([]rasp.Module(nil), cfg.ClientModules...),
	}, nil
}

// AttestRequest contains the client-reported data for one attestation.
type AttestRequest struct {
	// Facts are the app properties reported by the client.
	Facts integrity.Facts

	// Signals are the device properties reported by the client.
	Signals rootdetect.Signals

	// Runtime is the self-report of a UI-hosted client. When set, RASP
	// checks evaluate it instead of using the server's probe.
	Runtime *rasp.RuntimeReport

	// Native is the self-report of a native client. When set, RASP checks
	// evaluate it instead of using the server's probe. At most one of
	// Runtime and Native may be set.
	Native *rasp.NativeReport

	// IntegrityToken is a Play Integrity token. It is ignored unless the
	// server has Play Integrity corroboration configured, in which case a
	// missing token is treated as a failed corroboration.
	IntegrityToken string
}

// ValidateCertificate checks a DER certificate chain against the pin table.
func (s *Server) ValidateCertificate(domain string, chain [][]byte) (pinning.Result, error) {
	if err := s.checkOpen(); err != nil {
		return pinning.Result{}, err
	}
	return s.pinValidator.Validate(domain, chain), nil
}

// Attest evaluates req and issues an attestation.
//
// Example:
//
//	a, err := server.Attest(ctx, attestation.AttestRequest{
//	    Facts:   facts,
//	    Signals: signals,
//	})
//	// send a.Token to the client; downstream services call Verify
func (s *Server) Attest(ctx context.Context, req AttestRequest) (*Attestation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if req.Runtime != nil && req.Native != nil {
		return nil, ErrConflictingReports
	}

	facts := req.Facts
	if s.corroborator != nil {
		// Failures are logged by the corroborator; the returned facts are
		// already made untrustworthy.
		facts, _ = s.corroborator.Corroborate(ctx, req.IntegrityToken, facts)
	}

	switch {
	case req.Runtime != nil:
		return s.issuer.IssueWithProbe(ctx, facts, req.Signals, rasp.NewHostedProbe(*req.Runtime))
	case req.Native != nil:
		return s.issuer.IssueWithProbe(ctx, facts, req.Signals, rasp.NewReportedProbe(*req.Native, s.clientMods))
	default:
		return s.issuer.Issue(ctx, facts, req.Signals)
	}
}

// Verify checks a previously issued token.
func (s *Server) Verify(ctx context.Context, token string) VerificationResult {
	if err := s.checkOpen(); err != nil {
		return VerificationResult{Err: err}
	}
	return s.issuer.Verify(ctx, token)
}

// Close releases resources used by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.ownsStore {
		s.store.Close()
	}
	return nil
}

func (s *Server) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrServerClosed
	}
	return nil
}

// Pins returns the pin table store, for rotation.
func (s *Server) Pins() *pinning.Store {
	return s.pins
}

// Issuer returns the underlying issuer for advanced use cases.
func (s *Server) Issuer() *Issuer {
	return s.issuer
}

// Store returns the underlying attestation store for advanced use cases.
func (s *Server) Store() store.Store {
	return s.store
}
