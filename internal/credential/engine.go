// internal/credential/engine.go
package credential

import (
	"crypto"
	"math"
	"slices"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/canonical"
	"github.com/aceteam-ai/greencert/internal/certificate"
	"github.com/aceteam-ai/greencert/internal/emission"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// ReadingContext carries reading details that are not on the certificate
// itself. Empty fields fall back to the certificate's values.
type ReadingContext struct {
	NodeID    string
	ModelID   string
	Timestamp time.Time
}

// EngineConfig holds configuration for the credential engine.
type EngineConfig struct {
	// Signer produces proofs; required for Sign
	Signer attest.Signer

	// IssuerDID identifies the issuer (default: DefaultIssuerDID)
	IssuerDID string

	// IssuerName is the human readable issuer (default: certificate.DefaultIssuerName)
	IssuerName string
}

// Engine builds, signs and verifies credentials for one issuer.
type Engine struct {
	signer    attest.Signer
	publicKey crypto.PublicKey
	did       string
	name      string
	now       func() time.Time
}

// NewEngine creates a new credential engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.IssuerDID == "" {
		cfg.IssuerDID = DefaultIssuerDID
	}
	if cfg.IssuerName == "" {
		cfg.IssuerName = certificate.DefaultIssuerName
	}
	e := &Engine{
		signer: cfg.Signer,
		did:    cfg.IssuerDID,
		name:   cfg.IssuerName,
		now:    time.Now,
	}
	if cfg.Signer != nil {
		e.publicKey = cfg.Signer.PublicKey()
	}
	return e
}

// IssuerDID returns the issuer identifier.
func (e *Engine) IssuerDID() string { return e.did }

// PublicKey returns the key proofs verify against.
func (e *Engine) PublicKey() crypto.PublicKey { return e.publicKey }

// VerificationMethod returns the key reference recorded in proofs.
func (e *Engine) VerificationMethod() string { return VerificationMethodFor(e.did) }

// VerificationMethodFor returns the key reference for an issuer DID.
func VerificationMethodFor(did string) string { return did + "#key-1" }

// Build assembles the unsigned credential for cert.
func (e *Engine) Build(cert certificate.Certificate, rc ReadingContext) Credential {
	nodeID := rc.NodeID
	if nodeID == "" {
		nodeID = cert.NodeID
	}
	modelID := rc.ModelID
	if modelID == "" {
		modelID = cert.ModelID
	}
	ts := rc.Timestamp
	if ts.IsZero() {
		ts = cert.Timestamp
	}
	issued := cert.IssuedAt
	if issued.IsZero() {
		issued = e.now()
	}

	return Credential{
		Context: defaultContext(),
		ID:      "urn:uuid:" + cert.CertificateID,
		Type:    []string{TypeVerifiableCredential, TypeGreenComputeCredential},
		Issuer: IssuerRef{
			ID:   e.did,
			Name: e.name,
			Type: "Organization",
		},
		IssuanceDate: telemetry.FormatTime(issued),
		CredentialSubject: Subject{
			ID:          "urn:inference:" + cert.InferenceID,
			Type:        TypeSubject,
			InferenceID: cert.InferenceID,
			HardwareID:  nodeID,
			ModelID:     modelID,
			GridRegion:  cert.GridRegion,
			Timestamp:   telemetry.FormatTime(ts),
			EnergyMetrics: EnergyMetrics{
				EnergyConsumed:  Measure{Value: cert.EnergyUsedKWh, Unit: UnitEnergy},
				CarbonIntensity: Measure{Value: cert.CarbonIntensity, Unit: UnitIntensity, Source: string(cert.CarbonSource)},
				TotalEmissions:  Measure{Value: cert.TotalEmissions, Unit: UnitEmissions},
			},
			VerificationMethod: "TrustedExecutionEnvironment",
			AttestationType:    "CryptographicProof",
		},
		CredentialSchema: &Schema{ID: SchemaID, Type: SchemaType},
	}
}

// Sign returns a copy of vc carrying a proof over its canonical form
// (excluding any existing proof). vc itself is not modified.
func (e *Engine) Sign(vc Credential) (Credential, error) {
	out := clone(withoutProof(vc))
	payload, err := canonical.Marshal(out)
	if err != nil {
		return Credential{}, err
	}
	jws, err := attest.SignDetached(e.signer, payload)
	if err != nil {
		return Credential{}, err
	}
	out.Proof = &Proof{
		Type:               ProofType,
		Created:            telemetry.FormatTime(e.now()),
		VerificationMethod: e.VerificationMethod(),
		ProofPurpose:       ProofPurpose,
		JWS:                jws,
	}
	return out, nil
}

// Verify reports whether vc carries a valid proof from this engine's issuer
// over consistent content.
func (e *Engine) Verify(vc Credential) bool {
	return Check(vc, e.did, e.publicKey) == nil
}

// VerifyWithKey verifies vc offline against an exported issuer key.
func VerifyWithKey(vc Credential, issuerDID string, publicKey crypto.PublicKey) bool {
	return Check(vc, issuerDID, publicKey) == nil
}

// Check is Verify with the reason for rejection. It fails closed.
func Check(vc Credential, issuerDID string, publicKey crypto.PublicKey) error {
	if vc.Proof == nil || vc.Proof.JWS == "" {
		return ErrNoProof
	}
	if vc.Proof.Type != ProofType || vc.Proof.VerificationMethod != VerificationMethodFor(issuerDID) || vc.Issuer.ID != issuerDID {
		return ErrUnknownMethod
	}

	payload, err := canonical.Marshal(withoutProof(vc))
	if err != nil {
		return ErrBadProof
	}
	if !attest.VerifyDetached(vc.Proof.JWS, payload, publicKey) {
		return ErrBadProof
	}
	return checkSubject(vc)
}

// checkSubject binds the proof to meaningful content: a validly signed
// credential whose numbers do not add up is still rejected.
func checkSubject(vc Credential) error {
	if !slices.Contains(vc.Type, TypeVerifiableCredential) {
		return ErrInconsistentSubject
	}
	s := vc.CredentialSubject
	if s.InferenceID == "" || s.ID != "urn:inference:"+s.InferenceID {
		return ErrInconsistentSubject
	}
	m := s.EnergyMetrics
	if m.EnergyConsumed.Unit != UnitEnergy || m.CarbonIntensity.Unit != UnitIntensity || m.TotalEmissions.Unit != UnitEmissions {
		return ErrInconsistentSubject
	}
	for _, v := range []float64{m.EnergyConsumed.Value, m.CarbonIntensity.Value, m.TotalEmissions.Value} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return ErrInconsistentSubject
		}
	}
	if m.CarbonIntensity.Value <= 0 {
		return ErrInconsistentSubject
	}
	if !emission.Consistent(m.EnergyConsumed.Value, m.CarbonIntensity.Value, m.TotalEmissions.Value) {
		return ErrInconsistentSubject
	}
	return nil
}

// Present wraps credentials in a Verifiable Presentation. An empty holder
// defaults to the issuer.
func (e *Engine) Present(vcs []Credential, holder string) Presentation {
	if holder == "" {
		holder = e.did
	}
	copied := make([]Credential, len(vcs))
	for i, vc := range vcs {
		copied[i] = clone(vc)
	}
	return Presentation{
		Context:              defaultContext(),
		Type:                 []string{TypePresentation},
		VerifiableCredential: copied,
		Holder:               holder,
	}
}
