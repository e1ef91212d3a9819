// Package certificate issues the signed emission certificate for one
// inference. At most one certificate ever exists per inference id.
package certificate

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/canonical"
	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/emission"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// DefaultIssuerName is the issuer string stamped on certificates.
const DefaultIssuerName = "Verifiable Green Compute Oracle"

var (
	// ErrNotFound is returned when no certificate exists for an inference id
	ErrNotFound = errors.New("certificate not found")

	// ErrPersistence is returned when the store stays unavailable after retries
	ErrPersistence = errors.New("certificate persistence unavailable")

	// ErrHashMismatch indicates content_hash does not match the content
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrBadSignature indicates signed_content does not verify
	ErrBadSignature = errors.New("certificate signature invalid")

	// ErrInconsistent indicates total emissions != energy × intensity
	ErrInconsistent = errors.New("certificate emissions inconsistent")
)

// Certificate attests the emissions of one inference.
type Certificate struct {
	CertificateID   string        `json:"certificate_id"`
	InferenceID     string        `json:"inference_id"`
	NodeID          string        `json:"node_id"`
	ModelID         string        `json:"model_id"`
	Timestamp       time.Time     `json:"timestamp"`
	EnergyUsedKWh   float64       `json:"energy_used_kwh"`
	CarbonIntensity float64       `json:"carbon_intensity_gco2_kwh"`
	CarbonSource    carbon.Source `json:"carbon_source"`
	TotalEmissions  float64       `json:"total_emissions_gco2"`
	GridRegion      string        `json:"grid_region"`
	Issuer          string        `json:"issuer"`
	IssuedAt        time.Time     `json:"issued_at"`
	ContentHash     string        `json:"content_hash"`
	SignedContent   string        `json:"signed_content"`
}

// Canonical returns the bytes that are hashed and signed: every field except
// ContentHash and SignedContent.
func (c Certificate) Canonical() ([]byte, error) {
	return canonical.Marshal(map[string]any{
		"certificate_id":            c.CertificateID,
		"inference_id":              c.InferenceID,
		"node_id":                   c.NodeID,
		"model_id":                  c.ModelID,
		"timestamp":                 telemetry.FormatTime(c.Timestamp),
		"energy_used_kwh":           c.EnergyUsedKWh,
		"carbon_intensity_gco2_kwh": c.CarbonIntensity,
		"carbon_source":             string(c.CarbonSource),
		"total_emissions_gco2":      c.TotalEmissions,
		"grid_region":               c.GridRegion,
		"issuer":                    c.Issuer,
		"issued_at":                 telemetry.FormatTime(c.IssuedAt),
	})
}

// Hash returns the hex SHA-256 of the canonical form.
func (c Certificate) Hash() (string, error) {
	b, err := c.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes ContentHash and SignedContent with signer.
func (c Certificate) Seal(signer attest.Signer) (Certificate, error) {
	b, err := c.Canonical()
	if err != nil {
		return Certificate{}, err
	}
	sum := sha256.Sum256(b)
	jws, err := attest.SignDetached(signer, b)
	if err != nil {
		return Certificate{}, err
	}
	c.ContentHash = hex.EncodeToString(sum[:])
	c.SignedContent = jws
	return c, nil
}

// Verify checks the content hash, the issuer signature and the emission
// arithmetic.
func (c Certificate) Verify(publicKey crypto.PublicKey) error {
	b, err := c.Canonical()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	if hex.EncodeToString(sum[:]) != c.ContentHash {
		return ErrHashMismatch
	}
	if !attest.VerifyDetached(c.SignedContent, b, publicKey) {
		return ErrBadSignature
	}
	if !emission.Consistent(c.EnergyUsedKWh, c.CarbonIntensity, c.TotalEmissions) {
		return ErrInconsistent
	}
	return nil
}
