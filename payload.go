package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/rootdetect"
)

const keyInfo = "trust-attestation token mac v1"

// encMode serializes payloads with CBOR core deterministic encoding: map keys
// are sorted, and nil and empty containers encode identically so a record
// read back from storage reproduces the issued bytes.
var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// payload is everything the token MAC covers.
type payload struct {
	Facts      integrity.Facts    `cbor:"facts"`
	Signals    rootdetect.Signals `cbor:"deviceSignals"`
	Integrity  integrityVerdict   `cbor:"integrityVerdict"`
	Root       rootVerdict        `cbor:"rootVerdict"`
	RASP       raspVerdict        `cbor:"raspVerdict"`
	Timestamp  int64              `cbor:"timestamp"`
	ExpiresAt  int64              `cbor:"expiresAt"`
	TrustLevel string             `cbor:"trustLevel"`
	Nonce      string             `cbor:"nonce"`
}

type integrityVerdict struct {
	Valid     bool     `cbor:"valid"`
	RiskLevel string   `cbor:"riskLevel"`
	Issues    []string `cbor:"issues"`
}

type rootVerdict struct {
	IsRooted   bool     `cbor:"isRooted"`
	Confidence int      `cbor:"confidence"`
	Indicators []string `cbor:"indicators"`
}

type raspVerdict struct {
	IsIntact           bool     `cbor:"isIntact"`
	TamperedComponents []string `cbor:"tamperedComponents"`
	Unverified         []string `cbor:"unverified"`
	RiskLevel          string   `cbor:"riskLevel"`
}

func encodePayload(a *Attestation) ([]byte, error) {
	p := payload{
		Facts:   a.Facts,
		Signals: a.Signals,
		Integrity: integrityVerdict{
			Valid:     a.Integrity.Valid,
			RiskLevel: a.Integrity.RiskLevel.String(),
			Issues:    a.Integrity.Issues,
		},
		Root: rootVerdict{
			IsRooted:   a.Root.IsRooted,
			Confidence: a.Root.Confidence,
			Indicators: a.Root.Indicators,
		},
		RASP: raspVerdict{
			IsIntact:           a.RASP.IsIntact,
			TamperedComponents: a.RASP.TamperedComponents,
			Unverified:         a.RASP.Unverified,
			RiskLevel:          a.RASP.RiskLevel.String(),
		},
		Timestamp:  a.IssuedAt.UnixMilli(),
		ExpiresAt:  a.ExpiresAt.UnixMilli(),
		TrustLevel: string(a.TrustLevel),
		Nonce:      a.Nonce,
	}
	return encMode.Marshal(p)
}

// deriveKey expands the process secret into the token MAC key.
func deriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return key, nil
}

func computeMAC(key []byte, a *Attestation) ([]byte, error) {
	data, err := encodePayload(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
