// Package credential wraps certificates into W3C-style Verifiable Credentials
// and verifies them offline against the issuer's public key.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Vocabulary
const (
	ContextCredentials = "https://www.w3.org/2018/credentials/v1"
	ContextJWS2020     = "https://w3id.org/security/suites/jws-2020/v1"
	Vocabulary         = "https://greencompute.org/credentials/v1#"

	TypeVerifiableCredential   = "VerifiableCredential"
	TypeGreenComputeCredential = "GreenComputeCredential"
	TypePresentation           = "VerifiablePresentation"
	TypeSubject                = "GreenComputeAttestation"

	SchemaID   = "https://greencompute.org/schemas/v1/green-compute-credential.json"
	SchemaType = "JsonSchemaValidator2018"

	ProofType    = "JsonWebSignature2020"
	ProofPurpose = "assertionMethod"

	DefaultIssuerDID = "did:example:green-compute-oracle"

	UnitEnergy    = "kWh"
	UnitIntensity = "gCO2/kWh"
	UnitEmissions = "gCO2"
)

var (
	// ErrMissingField is returned by Deserialize for incomplete documents
	ErrMissingField = errors.New("credential missing required field")

	// ErrNoProof indicates an unsigned credential or an empty jws
	ErrNoProof = errors.New("credential has no proof")

	// ErrUnknownMethod indicates a proof made with a key we do not know
	ErrUnknownMethod = errors.New("unknown verification method")

	// ErrBadProof indicates the proof signature does not match the content
	ErrBadProof = errors.New("credential proof invalid")

	// ErrInconsistentSubject indicates subject claims that do not add up
	ErrInconsistentSubject = errors.New("credential subject inconsistent")
)

// IssuerRef identifies the issuing organization.
type IssuerRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// UnmarshalJSON accepts both the object form and the bare DID string form.
func (i *IssuerRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*i = IssuerRef{ID: id}
		return nil
	}
	type plain IssuerRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = IssuerRef(p)
	return nil
}

// Measure is a value with its unit and, optionally, where it came from.
type Measure struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit"`
	Source string  `json:"source,omitempty"`
}

// EnergyMetrics are the subject's measured and derived quantities.
type EnergyMetrics struct {
	EnergyConsumed  Measure `json:"energyConsumed"`
	CarbonIntensity Measure `json:"carbonIntensity"`
	TotalEmissions  Measure `json:"totalEmissions"`
}

// Subject is the claim set about one inference.
type Subject struct {
	ID                 string        `json:"id"`
	Type               string        `json:"type"`
	InferenceID        string        `json:"inferenceId"`
	HardwareID         string        `json:"hardwareId"`
	ModelID            string        `json:"modelId,omitempty"`
	GridRegion         string        `json:"gridRegion,omitempty"`
	Timestamp          string        `json:"timestamp"`
	EnergyMetrics      EnergyMetrics `json:"energyMetrics"`
	VerificationMethod string        `json:"verificationMethod"`
	AttestationType    string        `json:"attestationType"`
}

// Schema references the JSON schema the subject conforms to.
type Schema struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Proof binds the credential content to the issuer key.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	JWS                string `json:"jws"`
}

// Credential is a Verifiable Credential. Values are treated as immutable:
// Sign returns a new Credential rather than modifying its argument.
type Credential struct {
	Context           []any     `json:"@context"`
	ID                string    `json:"id"`
	Type              []string  `json:"type"`
	Issuer            IssuerRef `json:"issuer"`
	IssuanceDate      string    `json:"issuanceDate"`
	CredentialSubject Subject   `json:"credentialSubject"`
	CredentialSchema  *Schema   `json:"credentialSchema,omitempty"`
	Proof             *Proof    `json:"proof,omitempty"`
}

// Presentation wraps credentials for a holder.
type Presentation struct {
	Context              []any        `json:"@context"`
	Type                 []string     `json:"type"`
	VerifiableCredential []Credential `json:"verifiableCredential"`
	Holder               string       `json:"holder"`
}

// defaultContext returns a fresh copy of the context list.
func defaultContext() []any {
	return []any{
		ContextCredentials,
		ContextJWS2020,
		map[string]any{"@vocab": Vocabulary},
	}
}

// withoutProof returns a copy of vc with the proof stripped.
func withoutProof(vc Credential) Credential {
	vc.Proof = nil
	return vc
}

// clone returns a copy that shares no slices or pointers with vc.
func clone(vc Credential) Credential {
	b, err := json.Marshal(vc)
	if err != nil {
		return vc
	}
	var out Credential
	if err := json.Unmarshal(b, &out); err != nil {
		return vc
	}
	return out
}

// Serialize renders vc as indented JSON-LD.
func Serialize(vc Credential) ([]byte, error) {
	b, err := json.MarshalIndent(vc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize credential: %w", err)
	}
	return b, nil
}

// requiredFields must be present and non-null in every credential document.
var requiredFields = []string{"@context", "id", "type", "issuer", "credentialSubject"}

// Deserialize parses a JSON-LD credential, rejecting documents that lack any
// required top-level field.
func Deserialize(data []byte) (Credential, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Credential{}, fmt.Errorf("failed to parse credential: %w", err)
	}
	for _, f := range requiredFields {
		raw, ok := top[f]
		if !ok || string(raw) == "null" {
			return Credential{}, fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}

	var vc Credential
	if err := json.Unmarshal(data, &vc); err != nil {
		return Credential{}, fmt.Errorf("failed to parse credential: %w", err)
	}
	return vc, nil
}
