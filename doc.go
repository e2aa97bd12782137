// Package attestation decides how far a mobile or UI-hosted client session
// can be trusted and issues a signed, time-bounded attestation of that
// decision.
//
// Four checks feed the decision:
//
//   - pinning: certificate chains are matched against pinned public keys
//   - integrity: the app signature, installer, package name and update
//     recency are checked against a trusted baseline
//   - rootdetect: device build and property signals are scored for root
//   - rasp: protection modules, debugger attachment and code injection are
//     probed at runtime
//
// Certificate pinning gates transport trust and is evaluated per request by
// the caller. The issuer composes app integrity and RASP into a trust level
// (high, medium or low), serializes the full evaluation deterministically
// and keys an HMAC over it. The hex digest is the token.
//
// # Basic Usage
//
//	server, err := attestation.NewServer(attestation.ServerConfig{
//	    Secret: secret, // at least 32 bytes
//	    Pins:   pinning.NewStore(table),
//	    Integrity: integrity.Config{
//	        TrustedSignatures: []string{"AB:CD:EF:..."},
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Close()
//
//	a, err := server.Attest(ctx, attestation.AttestRequest{
//	    Facts:   facts,
//	    Signals: signals,
//	})
//
//	// later, before a sensitive action
//	result := server.Verify(ctx, a.Token)
//	if !result.Valid || result.TrustLevel == attestation.TrustLow {
//	    // deny
//	}
//
// # Subpackages
//
//   - pinning: pin tables, atomic rotation and chain validation
//   - integrity, rootdetect, rasp: the individual checks
//   - store, redis: issued attestation storage
//   - android: Play Integrity corroboration of app facts
//   - httpapi: HTTP transport for the engine
package attestation
