// Package oracle is the ingestion pipeline: it authenticates a signed
// reading against the node registry, resolves grid carbon intensity, issues
// the certificate exactly once and wraps it in a signed credential.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/certificate"
	"github.com/aceteam-ai/greencert/internal/credential"
	"github.com/aceteam-ai/greencert/internal/redis"
	"github.com/aceteam-ai/greencert/internal/store"
	"github.com/aceteam-ai/greencert/internal/telemetry"
	"github.com/aceteam-ai/greencert/internal/writeback"
)

// MaxPageSize caps list requests.
const MaxPageSize = 500

// Repository is the slice of the store the service reads from. Deferred
// writes go through the write-back Writer instead.
type Repository interface {
	certificate.Repository

	Node(ctx context.Context, nodeID string) (store.Node, error)
	RegisterNode(ctx context.Context, n store.Node, rekey bool) (store.Node, error)
	ListNodes(ctx context.Context) ([]store.Node, error)
	SetNodeStatus(ctx context.Context, nodeID, status string) error

	Telemetry(ctx context.Context, inferenceID string) (telemetry.Reading, error)
	Credential(ctx context.Context, inferenceID string) ([]byte, error)

	ListCertificates(ctx context.Context, limit, offset int) ([]certificate.Certificate, error)
	CertificatesBetween(ctx context.Context, from, to time.Time) ([]certificate.Certificate, error)
	ModelEmissions(ctx context.Context, modelID string) (store.ModelSummary, error)
	Ping(ctx context.Context) error
}

// EventPublisher announces issued certificates. *redis.Client satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel, eventType string, data map[string]any) error
}

// Config wires the pipeline together. Every component is constructed once at
// startup and shared by all requests.
type Config struct {
	Store       Repository
	Resolver    *carbon.Resolver
	Issuer      *certificate.Issuer
	Credentials *credential.Engine
	Writer      *writeback.Writer

	// Events announces issuance (optional)
	Events EventPublisher

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Service runs ingestion and the read-side operations.
type Service struct {
	store    Repository
	resolver *carbon.Resolver
	issuer   *certificate.Issuer
	engine   *credential.Engine
	writer   *writeback.Writer
	events   EventPublisher
	logFn    func(level, msg string)
	now      func() time.Time
}

// New creates the service.
func New(cfg Config) *Service {
	return &Service{
		store:    cfg.Store,
		resolver: cfg.Resolver,
		issuer:   cfg.Issuer,
		engine:   cfg.Credentials,
		writer:   cfg.Writer,
		events:   cfg.Events,
		logFn:    cfg.LogFn,
		now:      time.Now,
	}
}

// Receipt is the outcome of one ingestion.
type Receipt struct {
	Certificate certificate.Certificate
	Credential  credential.Credential

	// Created is false when the inference already had a certificate
	Created bool
}

// Ingest authenticates r and issues its certificate and credential. A
// reading whose inference already has a certificate returns the existing
// one. Rejected readings have no side effects.
func (s *Service) Ingest(ctx context.Context, r telemetry.Reading) (Receipt, error) {
	if err := r.Validate(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}

	node, err := s.authenticate(ctx, r)
	if err != nil {
		return Receipt{}, err
	}

	if existing, err := s.store.CertificateByInference(ctx, r.InferenceID); err == nil {
		s.log("info", "duplicate reading for %s, returning certificate %s", r.InferenceID, existing.CertificateID)
		vc, err := s.credentialFor(ctx, existing)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Certificate: existing, Credential: vc}, nil
	} else if !errors.Is(err, certificate.ErrNotFound) {
		return Receipt{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	sample := s.resolver.Resolve(ctx, node.Region)

	cert, created, err := s.issuer.Issue(ctx, r, sample)
	if err != nil {
		if errors.Is(err, certificate.ErrPersistence) {
			return Receipt{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return Receipt{}, err
	}

	if !created {
		vc, err := s.credentialFor(ctx, cert)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{Certificate: cert, Credential: vc}, nil
	}

	vc, doc, err := s.signCredential(cert)
	if err != nil {
		return Receipt{}, err
	}

	s.writer.Enqueue(ctx, writeback.TelemetryTask(r, true))
	s.writer.Enqueue(ctx, writeback.CredentialTask(cert.InferenceID, cert.CertificateID, doc))
	s.announce(ctx, cert)

	return Receipt{Certificate: cert, Credential: vc, Created: true}, nil
}

func (s *Service) authenticate(ctx context.Context, r telemetry.Reading) (store.Node, error) {
	node, err := s.store.Node(ctx, r.NodeID)
	if errors.Is(err, store.ErrNodeNotFound) {
		s.log("warning", "rejected reading %s: node %s not registered", r.InferenceID, r.NodeID)
		return store.Node{}, ErrAuthentication
	}
	if err != nil {
		return store.Node{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if node.Status != store.NodeActive {
		s.log("warning", "rejected reading %s: node %s is %s", r.InferenceID, r.NodeID, node.Status)
		return store.Node{}, ErrAuthentication
	}
	if !attest.VerifyReading(r, node.PublicKeyPEM) {
		s.log("warning", "rejected reading %s: signature does not verify for node %s", r.InferenceID, r.NodeID)
		return store.Node{}, ErrAuthentication
	}
	return node, nil
}

func (s *Service) signCredential(cert certificate.Certificate) (credential.Credential, []byte, error) {
	vc, err := s.engine.Sign(s.engine.Build(cert, credential.ReadingContext{
		NodeID:    cert.NodeID,
		ModelID:   cert.ModelID,
		Timestamp: cert.Timestamp,
	}))
	if err != nil {
		return credential.Credential{}, nil, fmt.Errorf("sign credential: %w", err)
	}
	doc, err := credential.Serialize(vc)
	if err != nil {
		return credential.Credential{}, nil, fmt.Errorf("serialize credential: %w", err)
	}
	return vc, doc, nil
}

// credentialFor returns the stored credential for cert, or signs and stores a
// fresh one when none was persisted.
func (s *Service) credentialFor(ctx context.Context, cert certificate.Certificate) (credential.Credential, error) {
	doc, err := s.store.Credential(ctx, cert.InferenceID)
	switch {
	case err == nil:
		vc, derr := credential.Deserialize(doc)
		if derr == nil {
			return vc, nil
		}
		s.log("error", "stored credential for %s is unreadable, re-signing: %v", cert.InferenceID, derr)
	case errors.Is(err, store.ErrCredentialNotFound):
	default:
		return credential.Credential{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	vc, fresh, err := s.signCredential(cert)
	if err != nil {
		return credential.Credential{}, err
	}
	s.writer.Enqueue(ctx, writeback.CredentialTask(cert.InferenceID, cert.CertificateID, fresh))
	return vc, nil
}

func (s *Service) announce(ctx context.Context, cert certificate.Certificate) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	err := s.events.PublishEvent(ctx, redis.IssuedChannel, "certificate.issued", map[string]any{
		"certificate_id":       cert.CertificateID,
		"inference_id":         cert.InferenceID,
		"node_id":              cert.NodeID,
		"model_id":             cert.ModelID,
		"total_emissions_gco2": cert.TotalEmissions,
		"carbon_source":        string(cert.CarbonSource),
	})
	if err != nil {
		s.log("warning", "announce %s: %v", cert.CertificateID, err)
	}
}

// Certificate returns the certificate for inferenceID.
func (s *Service) Certificate(ctx context.Context, inferenceID string) (certificate.Certificate, error) {
	cert, err := s.store.CertificateByInference(ctx, inferenceID)
	if errors.Is(err, certificate.ErrNotFound) {
		return certificate.Certificate{}, ErrNotFound
	}
	if err != nil {
		return certificate.Certificate{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return cert, nil
}

// Credential returns the signed credential for inferenceID.
func (s *Service) Credential(ctx context.Context, inferenceID string) (credential.Credential, error) {
	cert, err := s.Certificate(ctx, inferenceID)
	if err != nil {
		return credential.Credential{}, err
	}
	return s.credentialFor(ctx, cert)
}

// Reading returns the ingested telemetry reading for inferenceID.
func (s *Service) Reading(ctx context.Context, inferenceID string) (telemetry.Reading, error) {
	r, err := s.store.Telemetry(ctx, inferenceID)
	if errors.Is(err, store.ErrTelemetryNotFound) {
		return telemetry.Reading{}, ErrNotFound
	}
	if err != nil {
		return telemetry.Reading{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return r, nil
}

// Verification is the result of checking a credential.
type Verification struct {
	Valid        bool      `json:"valid"`
	VerifiedAt   time.Time `json:"verified_at"`
	CredentialID string    `json:"credential_id"`
	SubjectID    string    `json:"subject_id"`
}

// VerifyCredential checks vc against this oracle's issuer key.
func (s *Service) VerifyCredential(vc credential.Credential) Verification {
	err := credential.Check(vc, s.engine.IssuerDID(), s.engine.PublicKey())
	if err != nil {
		s.log("info", "credential %s failed verification: %v", vc.ID, err)
	}
	return Verification{
		Valid:        err == nil,
		VerifiedAt:   s.now().UTC(),
		CredentialID: vc.ID,
		SubjectID:    vc.CredentialSubject.ID,
	}
}

// VerifyCredentialFor is VerifyCredential that also requires vc to be about
// inferenceID.
func (s *Service) VerifyCredentialFor(inferenceID string, vc credential.Credential) Verification {
	v := s.VerifyCredential(vc)
	if vc.CredentialSubject.InferenceID != inferenceID {
		v.Valid = false
	}
	return v
}

// Issuer describes this oracle's signing identity for offline verifiers.
type Issuer struct {
	DID                string `json:"did"`
	Name               string `json:"name"`
	VerificationMethod string `json:"verification_method"`
	PublicKeyPEM       string `json:"public_key"`
}

// Issuer returns the issuer identity and exported public key.
func (s *Service) Issuer() (Issuer, error) {
	pem, err := attest.EncodePublicKeyPEM(s.engine.PublicKey())
	if err != nil {
		return Issuer{}, err
	}
	return Issuer{
		DID:                s.engine.IssuerDID(),
		Name:               s.issuer.Name(),
		VerificationMethod: s.engine.VerificationMethod(),
		PublicKeyPEM:       pem,
	}, nil
}

// ListCertificates returns a page of certificates, newest first.
func (s *Service) ListCertificates(ctx context.Context, limit, offset int) ([]certificate.Certificate, error) {
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, MaxPageSize)
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", ErrMalformedInput)
	}
	certs, err := s.store.ListCertificates(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return certs, nil
}

// ModelEmissions aggregates certificates for modelID.
func (s *Service) ModelEmissions(ctx context.Context, modelID string) (store.ModelSummary, error) {
	if strings.TrimSpace(modelID) == "" {
		return store.ModelSummary{}, fmt.Errorf("%w: model_id is required", ErrMalformedInput)
	}
	sum, err := s.store.ModelEmissions(ctx, modelID)
	if err != nil {
		return store.ModelSummary{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return sum, nil
}

// EnrollRequest registers a node's signing key.
type EnrollRequest struct {
	NodeID       string `json:"node_id"`
	Hostname     string `json:"hostname"`
	Region       string `json:"region"`
	PublicKeyPEM string `json:"public_key"`

	// Rekey allows replacing the key of an already active node. Only set it
	// for callers that proved the enrollment token.
	Rekey bool `json:"-"`
}

// Enroll registers a node or refreshes its hostname and region. The key of
// an active node is replaced only when req.Rekey is set; a different key
// without it fails with ErrAuthentication. A revoked node stays revoked.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (store.Node, error) {
	req.NodeID = strings.TrimSpace(req.NodeID)
	req.Region = strings.ToLower(strings.TrimSpace(req.Region))
	if req.NodeID == "" || req.Region == "" || strings.TrimSpace(req.PublicKeyPEM) == "" {
		return store.Node{}, fmt.Errorf("%w: node_id, region and public_key are required", ErrMalformedInput)
	}
	key, err := attest.ParsePublicKeyPEM(req.PublicKeyPEM)
	if err != nil {
		return store.Node{}, fmt.Errorf("%w: public_key is not an RSA public key", ErrMalformedInput)
	}
	if !s.resolver.KnownRegion(req.Region) {
		s.log("warning", "node %s enrolled with unmapped region %q, default intensity will apply", req.NodeID, req.Region)
	}

	node, err := s.store.RegisterNode(ctx, store.Node{
		NodeID:       req.NodeID,
		Hostname:     req.Hostname,
		Region:       req.Region,
		PublicKeyPEM: req.PublicKeyPEM,
	}, req.Rekey)
	if err != nil {
		return store.Node{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if node.Status != store.NodeActive {
		return store.Node{}, ErrAuthentication
	}
	if node.PublicKeyPEM != req.PublicKeyPEM {
		stored, err := attest.ParsePublicKeyPEM(node.PublicKeyPEM)
		if err != nil || !stored.Equal(key) {
			s.log("warning", "refused to re-key active node %s without the enrollment token", node.NodeID)
			return store.Node{}, ErrAuthentication
		}
	}
	s.log("success", "node %s enrolled (region %s)", node.NodeID, node.Region)
	return node, nil
}

// Nodes lists the registry.
func (s *Service) Nodes(ctx context.Context) ([]store.Node, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nodes, nil
}

// RevokeNode stops accepting readings from nodeID.
func (s *Service) RevokeNode(ctx context.Context, nodeID string) error {
	err := s.store.SetNodeStatus(ctx, nodeID, store.NodeRevoked)
	if errors.Is(err, store.ErrNodeNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.log("warning", "node %s revoked", nodeID)
	return nil
}

// Health checks the store.
func (s *Service) Health(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *Service) log(level, format string, args ...any) {
	if s.logFn != nil {
		s.logFn(level, fmt.Sprintf(format, args...))
	}
}
