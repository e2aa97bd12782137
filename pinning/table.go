// Package pinning holds the public-key pin table and validates observed
// certificate chains against it.
//
// The pin table is an immutable snapshot. Rotating pins means building a new
// Table and swapping it into the Store; readers never observe a partially
// updated table.
package pinning

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kacy/trust-attestation/metrics"
)

// Wildcard is the domain of the fallback record used when no other record
// matches a request domain.
const Wildcard = "*"

// Algorithm names the hash applied to a certificate's SubjectPublicKeyInfo.
type Algorithm string

// Supported pin algorithms.
const (
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
	SHA1   Algorithm = "sha1"
)

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA1:
		return sha1.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
}

// Common errors.
var (
	ErrUnknownAlgorithm = errors.New("unknown pin algorithm")
	ErrInvalidRecord    = errors.New("invalid pin record")
)

// PinnedCertificate is the pin configuration for one domain.
type PinnedCertificate struct {
	// Domain is matched as a substring of the request domain, or Wildcard.
	Domain string

	// Pins are the primary base64 public-key hashes, in preference order.
	Pins []string

	// BackupPins are honored during rotation but reported as degraded.
	BackupPins []string

	// ExpiresAt is the instant after which the record validates nothing.
	ExpiresAt time.Time

	// Algorithm is the hash used to compute pins (default sha256).
	Algorithm Algorithm
}

// Expired reports whether the record is past its expiry at now.
func (p *PinnedCertificate) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

func (p PinnedCertificate) clone() PinnedCertificate {
	p.Pins = append([]string(nil), p.Pins...)
	p.BackupPins = append([]string(nil), p.BackupPins...)
	return p
}

// Table is an immutable, ordered set of pin records.
type Table struct {
	records  []PinnedCertificate
	wildcard *PinnedCertificate
}

// NewTable validates and copies records into a new snapshot. Records keep
// their order; lookup prefers the first matching domain.
func NewTable(records ...PinnedCertificate) (*Table, error) {
	t := &Table{records: make([]PinnedCertificate, 0, len(records))}

	for i, rec := range records {
		rec = rec.clone()
		rec.Domain = strings.ToLower(strings.TrimSpace(rec.Domain))
		if rec.Algorithm == "" {
			rec.Algorithm = SHA256
		}

		if rec.Domain == "" {
			return nil, fmt.Errorf("%w: record %d has no domain", ErrInvalidRecord, i)
		}
		if len(rec.Pins) == 0 && len(rec.BackupPins) == 0 {
			return nil, fmt.Errorf("%w: %s has no pins", ErrInvalidRecord, rec.Domain)
		}
		if rec.ExpiresAt.IsZero() {
			return nil, fmt.Errorf("%w: %s has no expiry", ErrInvalidRecord, rec.Domain)
		}
		if _, err := rec.Algorithm.newHash(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, rec.Domain, err)
		}

		if rec.Domain == Wildcard {
			if t.wildcard != nil {
				return nil, fmt.Errorf("%w: duplicate wildcard record", ErrInvalidRecord)
			}
			w := rec
			t.wildcard = &w
			continue
		}
		t.records = append(t.records, rec)
	}

	return t, nil
}

// Lookup returns a copy of the record whose domain is contained in domain,
// falling back to the wildcard record. It returns nil if neither exists.
func (t *Table) Lookup(domain string) *PinnedCertificate {
	if t == nil {
		return nil
	}

	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain != "" {
		for _, rec := range t.records {
			if strings.Contains(domain, rec.Domain) {
				out := rec.clone()
				return &out
			}
		}
	}

	if t.wildcard != nil {
		out := t.wildcard.clone()
		return &out
	}
	return nil
}

// Len returns the number of records including the wildcard.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	n := len(t.records)
	if t.wildcard != nil {
		n++
	}
	return n
}

// Records returns copies of every record, wildcard last.
func (t *Table) Records() []PinnedCertificate {
	if t == nil {
		return nil
	}
	out := make([]PinnedCertificate, 0, t.Len())
	for _, rec := range t.records {
		out = append(out, rec.clone())
	}
	if t.wildcard != nil {
		out = append(out, t.wildcard.clone())
	}
	return out
}

// Store holds the active Table. It is safe for concurrent use.
type Store struct {
	table atomic.Pointer[Table]
}

// NewStore creates a store serving t. A nil table behaves as empty.
func NewStore(t *Table) *Store {
	s := &Store{}
	s.Replace(t)
	return s
}

// Table returns the active snapshot.
func (s *Store) Table() *Table {
	return s.table.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(t *Table) {
	if t == nil {
		t = &Table{}
	}
	s.table.Store(t)
	metrics.SetPinTableSize(t.Len())
}
