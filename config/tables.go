package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kacy/trust-attestation/integrity"
	"github.com/kacy/trust-attestation/pinning"
	"github.com/kacy/trust-attestation/rasp"
	"github.com/kacy/trust-attestation/rootdetect"
)

// Tables is the static trust configuration. It is loaded at start and
// replaced wholesale on reload.
type Tables struct {
	Pins                []PinRecord      `json:"pins" validate:"dive"`
	TrustedSignatures   []string         `json:"trustedSignatures" validate:"required,min=1,dive,required"`
	TrustedInstallers   []string         `json:"trustedInstallers" validate:"dive,required"`
	RootPackages        []string         `json:"rootPackages" validate:"dive,required"`
	MonitoredProperties []string         `json:"monitoredProperties" validate:"dive,required"`
	SecurityModules     []SecurityModule `json:"securityModules" validate:"dive"`
}

// PinRecord is the file form of a pinned certificate.
type PinRecord struct {
	Domain     string    `json:"domain" validate:"required"`
	Pins       []string  `json:"pins" validate:"required,min=1,dive,base64"`
	BackupPins []string  `json:"backupPins" validate:"dive,base64"`
	ExpiresAt  time.Time `json:"expiresAt" validate:"required"`
	Algorithm  string    `json:"algorithm" validate:"omitempty,oneof=sha256 sha384 sha512 sha1"`
}

// SecurityModule is a protection module artifact and its expected digest.
// Path is only used when the engine inspects its own process.
type SecurityModule struct {
	Name   string `json:"name" validate:"required"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256" validate:"required,len=64,hexadecimal"`
}

// LoadTables reads and validates the tables file at path.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tables %q: %w", path, err)
	}
	t, err := ParseTables(data)
	if err != nil {
		return nil, fmt.Errorf("tables %q: %w", path, err)
	}
	return t, nil
}

// ParseTables decodes and validates tables from JSON.
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding tables: %w", err)
	}
	if err := validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("invalid tables: %w", err)
	}
	return &t, nil
}

// PinTable builds the pin table snapshot.
func (t *Tables) PinTable() (*pinning.Table, error) {
	records := make([]pinning.PinnedCertificate, 0, len(t.Pins))
	for _, p := range t.Pins {
		records = append(records, pinning.PinnedCertificate{
			Domain:     p.Domain,
			Pins:       p.Pins,
			BackupPins: p.BackupPins,
			ExpiresAt:  p.ExpiresAt,
			Algorithm:  pinning.Algorithm(p.Algorithm),
		})
	}
	return pinning.NewTable(records...)
}

// IntegrityConfig returns the trusted app baseline.
func (t *Tables) IntegrityConfig() integrity.Config {
	return integrity.Config{
		TrustedSignatures: t.TrustedSignatures,
		TrustedInstallers: t.TrustedInstallers,
	}
}

// RootConfig returns the root detection tables.
func (t *Tables) RootConfig() rootdetect.Config {
	return rootdetect.Config{
		RootPackages:        t.RootPackages,
		MonitoredProperties: t.MonitoredProperties,
	}
}

// RASPConfig returns the monitor configuration. Modules are the configured
// security modules, or the default set when none are listed.
func (t *Tables) RASPConfig(timeout time.Duration) rasp.Config {
	names := make([]string, 0, len(t.SecurityModules))
	for _, m := range t.SecurityModules {
		names = append(names, m.Name)
	}
	return rasp.Config{
		Modules: names,
		Timeout: timeout,
	}
}

// NativeModules returns the module artifacts and digests that client native
// reports are checked against.
func (t *Tables) NativeModules() []rasp.Module {
	modules := make([]rasp.Module, 0, len(t.SecurityModules))
	for _, m := range t.SecurityModules {
		modules = append(modules, rasp.Module{
			Name:   m.Name,
			Path:   m.Path,
			SHA256: m.SHA256,
		})
	}
	return modules
}

// PinSource returns a pinning.Source that re-reads the tables file.
func PinSource(path string) pinning.Source {
	return func() (*pinning.Table, error) {
		t, err := LoadTables(path)
		if err != nil {
			return nil, err
		}
		return t.PinTable()
	}
}
