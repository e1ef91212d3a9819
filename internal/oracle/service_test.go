package oracle

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/carbon"
	"github.com/aceteam-ai/greencert/internal/certificate"
	"github.com/aceteam-ai/greencert/internal/credential"
	"github.com/aceteam-ai/greencert/internal/redis"
	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/store"
	"github.com/aceteam-ai/greencert/internal/telemetry"
	"github.com/aceteam-ai/greencert/internal/writeback"
)

var (
	keysOnce   sync.Once
	issuerKey  *attest.SoftwareSigner
	nodeKey    *attest.SoftwareSigner
	strangeKey *attest.SoftwareSigner
	keysErr    error
)

func keys(t *testing.T) (issuer, node, stranger *attest.SoftwareSigner) {
	t.Helper()
	keysOnce.Do(func() {
		for _, k := range []**attest.SoftwareSigner{&issuerKey, &nodeKey, &strangeKey} {
			if *k, keysErr = attest.NewEphemeralSigner(); keysErr != nil {
				return
			}
		}
	})
	if keysErr != nil {
		t.Fatalf("NewEphemeralSigner: %v", keysErr)
	}
	return issuerKey, nodeKey, strangeKey
}

type recordedEvent struct {
	channel, eventType string
	data               map[string]any
}

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) PublishEvent(_ context.Context, channel, eventType string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{channel, eventType, data})
	return nil
}

func (f *fakeEvents) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// brokenStore fails certificate writes.
type brokenStore struct {
	*store.Store
}

func (b brokenStore) CreateCertificate(context.Context, certificate.Certificate) (certificate.Certificate, bool, error) {
	return certificate.Certificate{}, false, errors.New("disk full")
}

type harness struct {
	svc    *Service
	store  *store.Store
	writer *writeback.Writer
	events *fakeEvents
	done   chan struct{}
}

func newHarness(t *testing.T, wrap func(*store.Store) Repository) *harness {
	t.Helper()
	issuerSigner, _, _ := keys(t)

	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "oracle.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	var repo Repository = st
	if wrap != nil {
		repo = wrap(st)
	}

	fast := retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}
	writer := writeback.NewWriter(writeback.WriterConfig{Sink: st, Retry: fast})
	h := &harness{
		store:  st,
		writer: writer,
		events: &fakeEvents{},
		done:   make(chan struct{}),
	}
	go func() {
		writer.Start(context.Background())
		close(h.done)
	}()
	t.Cleanup(h.flush)

	h.svc = New(Config{
		Store:       repo,
		Resolver:    carbon.NewResolver(carbon.ResolverConfig{}),
		Issuer:      certificate.NewIssuer(certificate.IssuerConfig{Signer: issuerSigner, Repository: repo, Retry: fast}),
		Credentials: credential.NewEngine(credential.EngineConfig{Signer: issuerSigner}),
		Writer:      writer,
		Events:      h.events,
	})
	return h
}

// flush waits for deferred writes to land.
func (h *harness) flush() {
	h.writer.Close()
	<-h.done
}

func (h *harness) enroll(t *testing.T, nodeID, region string) {
	t.Helper()
	_, node, _ := keys(t)
	pem, err := attest.PublicKeyPEM(node)
	if err != nil {
		t.Fatalf("PublicKeyPEM: %v", err)
	}
	if _, err := h.svc.Enroll(context.Background(), EnrollRequest{NodeID: nodeID, Hostname: "host", Region: region, PublicKeyPEM: pem}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
}

func signedReading(t *testing.T, signer attest.Signer, inferenceID string) telemetry.Reading {
	t.Helper()
	r := telemetry.Reading{
		NodeID:         "gpu-1",
		ModelID:        "llama-3-8b",
		InferenceID:    inferenceID,
		Timestamp:      time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC),
		EnergyKWh:      300.0 * 10 / 3_600_000,
		GPUUtilization: 92.5,
	}
	signed, err := attest.SignReading(signer, r)
	if err != nil {
		t.Fatalf("SignReading: %v", err)
	}
	return signed
}

func TestIngestIssuesCertificateAndCredential(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, _ := keys(t)
	ctx := context.Background()

	receipt, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-1"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !receipt.Created {
		t.Error("first ingestion should create")
	}
	cert := receipt.Certificate
	if cert.CarbonIntensity != 380.5 || cert.CarbonSource != carbon.SourceRegionalAverage || cert.GridRegion != "us-east" {
		t.Errorf("certificate carbon fields = %v %v %v", cert.CarbonIntensity, cert.CarbonSource, cert.GridRegion)
	}
	if math.Abs(cert.TotalEmissions-0.3171) > 1e-3 {
		t.Errorf("TotalEmissions = %v, want ~0.3171", cert.TotalEmissions)
	}
	if !h.svc.VerifyCredential(receipt.Credential).Valid {
		t.Error("issued credential should verify")
	}
	if h.events.count() != 1 || h.events.events[0].channel != redis.IssuedChannel {
		t.Errorf("events = %+v, want one on %s", h.events.events, redis.IssuedChannel)
	}

	h.flush()

	stored, err := h.store.Telemetry(ctx, "inf-1")
	if err != nil {
		t.Fatalf("telemetry should be persisted: %v", err)
	}
	if stored.Signature == "" || stored.EnergyKWh != cert.EnergyUsedKWh {
		t.Errorf("stored telemetry = %+v", stored)
	}

	vc, err := h.svc.Credential(ctx, "inf-1")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if vc.Proof == nil || vc.Proof.JWS != receipt.Credential.Proof.JWS {
		t.Error("Credential should return the stored document, not a re-signed one")
	}
}

func TestIngestDuplicateReturnsExisting(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "eu-west")
	_, node, _ := keys(t)
	ctx := context.Background()

	first, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-dup"))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-dup"))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Created {
		t.Error("duplicate should not create")
	}
	if first.Certificate.CertificateID != second.Certificate.CertificateID {
		t.Errorf("certificate ids differ: %s vs %s", first.Certificate.CertificateID, second.Certificate.CertificateID)
	}
	if h.events.count() != 1 {
		t.Errorf("events = %d, want 1", h.events.count())
	}
}

func TestConcurrentIngestCreatesOne(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-west")
	_, node, _ := keys(t)
	reading := signedReading(t, node, "inf-race")

	const n = 12
	var wg sync.WaitGroup
	ids := make([]string, n)
	created := make([]bool, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.svc.Ingest(context.Background(), reading)
			if err != nil {
				t.Errorf("Ingest %d: %v", i, err)
				return
			}
			ids[i], created[i] = r.Certificate.CertificateID, r.Created
		}(i)
	}
	wg.Wait()

	count := 0
	for i := range n {
		if created[i] {
			count++
		}
		if ids[i] != ids[0] {
			t.Errorf("ingestion %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	if count != 1 {
		t.Errorf("created = %d, want 1", count)
	}
}

func TestIngestRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, stranger := keys(t)
	ctx := context.Background()

	tampered := signedReading(t, node, "inf-tamper")
	tampered.EnergyKWh *= 0.5

	unknown := signedReading(t, node, "inf-unknown")
	unknown.NodeID = "gpu-404"
	unknown, _ = attest.SignReading(node, unknown)

	negative := signedReading(t, node, "inf-negative")
	negative.EnergyKWh = -1

	missing := signedReading(t, node, "inf-missing")
	missing.Signature = ""

	tests := []struct {
		name    string
		reading telemetry.Reading
		want    error
		code    string
	}{
		{"tampered energy", tampered, ErrAuthentication, CodeAuthentication},
		{"wrong key", signedReading(t, stranger, "inf-stranger"), ErrAuthentication, CodeAuthentication},
		{"unknown node", unknown, ErrAuthentication, CodeAuthentication},
		{"negative energy", negative, ErrMalformedInput, CodeMalformedInput},
		{"missing signature", missing, ErrMalformedInput, CodeMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Ingest(ctx, tt.reading)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if Code(err) != tt.code {
				t.Errorf("Code = %s, want %s", Code(err), tt.code)
			}
		})
	}

	if err := h.svc.RevokeNode(ctx, "gpu-1"); err != nil {
		t.Fatalf("RevokeNode: %v", err)
	}
	if _, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-revoked")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("revoked node: err = %v, want ErrAuthentication", err)
	}

	h.flush()
	if n, _ := h.store.CountCertificates(ctx); n != 0 {
		t.Errorf("certificates = %d, want 0", n)
	}
	if _, err := h.store.Telemetry(ctx, "inf-tamper"); !errors.Is(err, store.ErrTelemetryNotFound) {
		t.Errorf("rejected reading was stored: %v", err)
	}
	if h.events.count() != 0 {
		t.Errorf("events = %d, want 0", h.events.count())
	}
}

func TestIngestSurfacesPersistenceFailure(t *testing.T) {
	h := newHarness(t, func(s *store.Store) Repository { return brokenStore{s} })
	h.enroll(t, "gpu-1", "us-east")
	_, node, _ := keys(t)

	_, err := h.svc.Ingest(context.Background(), signedReading(t, node, "inf-broken"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if Code(err) != CodePersistence {
		t.Errorf("Code = %s", Code(err))
	}
	if msg := Message(err); msg == err.Error() || msg == "" {
		t.Errorf("Message leaks internals: %q", msg)
	}
}

func TestCredentialRebuiltWhenNotPersisted(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, _ := keys(t)
	ctx := context.Background()

	// Close the writer first so the deferred credential write is lost.
	h.flush()
	receipt, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-lost"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := h.store.Credential(ctx, "inf-lost"); !errors.Is(err, store.ErrCredentialNotFound) {
		t.Fatalf("credential unexpectedly stored: %v", err)
	}

	vc, err := h.svc.Credential(ctx, "inf-lost")
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if vc.ID != "urn:uuid:"+receipt.Certificate.CertificateID {
		t.Errorf("vc.ID = %s", vc.ID)
	}
	if !h.svc.VerifyCredential(vc).Valid {
		t.Error("rebuilt credential should verify")
	}
	if vc.CredentialSubject.ModelID != "llama-3-8b" || vc.CredentialSubject.HardwareID != "gpu-1" {
		t.Errorf("subject = %+v", vc.CredentialSubject)
	}
}

func TestReadSideNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Certificate(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Certificate: %v", err)
	}
	if _, err := h.svc.Credential(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Credential: %v", err)
	}
	if _, err := h.svc.Reading(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reading: %v", err)
	}
	if err := h.svc.RevokeNode(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RevokeNode: %v", err)
	}
}

func TestVerifyCredentialFor(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, _ := keys(t)

	receipt, err := h.svc.Ingest(context.Background(), signedReading(t, node, "inf-v"))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	vc := receipt.Credential

	v := h.svc.VerifyCredentialFor("inf-v", vc)
	if !v.Valid || v.CredentialID != vc.ID || v.SubjectID != "urn:inference:inf-v" || v.VerifiedAt.IsZero() {
		t.Errorf("verification = %+v", v)
	}
	if h.svc.VerifyCredentialFor("inf-other", vc).Valid {
		t.Error("credential about another inference must not verify for this one")
	}

	stripped := vc
	stripped.Proof = &credential.Proof{}
	*stripped.Proof = *vc.Proof
	stripped.Proof.JWS = ""
	if h.svc.VerifyCredential(stripped).Valid {
		t.Error("credential without jws must not verify")
	}
}

func TestEnrollValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, node, _ := keys(t)
	pem, _ := attest.PublicKeyPEM(node)
	ctx := context.Background()

	tests := []struct {
		name string
		req  EnrollRequest
	}{
		{"missing node id", EnrollRequest{Region: "us-east", PublicKeyPEM: pem}},
		{"missing region", EnrollRequest{NodeID: "n", PublicKeyPEM: pem}},
		{"missing key", EnrollRequest{NodeID: "n", Region: "us-east"}},
		{"garbage key", EnrollRequest{NodeID: "n", Region: "us-east", PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Enroll(ctx, tt.req); !errors.Is(err, ErrMalformedInput) {
				t.Errorf("err = %v, want ErrMalformedInput", err)
			}
		})
	}

	n, err := h.svc.Enroll(ctx, EnrollRequest{NodeID: " gpu-9 ", Region: " US-East ", PublicKeyPEM: pem})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if n.NodeID != "gpu-9" || n.Region != "us-east" || n.Status != store.NodeActive {
		t.Errorf("node = %+v", n)
	}

	h.svc.RevokeNode(ctx, "gpu-9")
	if _, err := h.svc.Enroll(ctx, EnrollRequest{NodeID: "gpu-9", Region: "us-east", PublicKeyPEM: pem}); !errors.Is(err, ErrAuthentication) {
		t.Errorf("re-enrolling a revoked node: err = %v, want ErrAuthentication", err)
	}
	nodes, _ := h.svc.Nodes(ctx)
	if len(nodes) != 1 || nodes[0].Status != store.NodeRevoked {
		t.Errorf("nodes = %+v", nodes)
	}
}

func TestEnrollRekeyRequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, stranger := keys(t)
	ctx := context.Background()

	strangerPEM, _ := attest.PublicKeyPEM(stranger)
	if _, err := h.svc.Enroll(ctx, EnrollRequest{NodeID: "gpu-1", Region: "us-east", PublicKeyPEM: strangerPEM}); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("re-key without token: err = %v, want ErrAuthentication", err)
	}
	if _, err := h.svc.Ingest(ctx, signedReading(t, stranger, "inf-forged")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("reading signed by the rejected key: err = %v, want ErrAuthentication", err)
	}
	if _, err := h.svc.Ingest(ctx, signedReading(t, node, "inf-genuine")); err != nil {
		t.Errorf("original key should still be accepted: %v", err)
	}

	// Same key again only refreshes the row.
	nodePEM, _ := attest.PublicKeyPEM(node)
	n, err := h.svc.Enroll(ctx, EnrollRequest{NodeID: "gpu-1", Hostname: "moved", Region: "us-west", PublicKeyPEM: nodePEM})
	if err != nil {
		t.Fatalf("same-key re-enroll: %v", err)
	}
	if n.Hostname != "moved" || n.Region != "us-west" {
		t.Errorf("node = %+v", n)
	}

	if _, err := h.svc.Enroll(ctx, EnrollRequest{NodeID: "gpu-1", Region: "us-east", PublicKeyPEM: strangerPEM, Rekey: true}); err != nil {
		t.Fatalf("re-key with token: %v", err)
	}
	if _, err := h.svc.Ingest(ctx, signedReading(t, stranger, "inf-rekeyed")); err != nil {
		t.Errorf("new key should be accepted after an authorized re-key: %v", err)
	}
}

func TestListAndModelEmissions(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "us-east")
	_, node, _ := keys(t)
	ctx := context.Background()

	for i := range 3 {
		if _, err := h.svc.Ingest(ctx, signedReading(t, node, fmt.Sprintf("inf-%d", i))); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	certs, err := h.svc.ListCertificates(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListCertificates: %v", err)
	}
	if len(certs) != 3 {
		t.Errorf("got %d certificates, want 3", len(certs))
	}
	if _, err := h.svc.ListCertificates(ctx, 10, -1); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("negative offset: err = %v", err)
	}

	sum, err := h.svc.ModelEmissions(ctx, "llama-3-8b")
	if err != nil {
		t.Fatalf("ModelEmissions: %v", err)
	}
	if sum.Inferences != 3 || math.Abs(sum.AvgEmissions-certs[0].TotalEmissions) > 1e-12 {
		t.Errorf("summary = %+v", sum)
	}
	if _, err := h.svc.ModelEmissions(ctx, " "); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("blank model: err = %v", err)
	}
}

func TestExportCompliance(t *testing.T) {
	h := newHarness(t, nil)
	h.enroll(t, "gpu-1", "eu-north")
	_, node, _ := keys(t)
	ctx := context.Background()

	for i := range 2 {
		if _, err := h.svc.Ingest(ctx, signedReading(t, node, fmt.Sprintf("inf-%d", i))); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := h.svc.ExportCompliance(ctx, &buf, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("ExportCompliance: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 || records[0][0] != "certificate_id" {
		t.Fatalf("records = %v", records)
	}
	for _, row := range records[1:] {
		if row[len(row)-1] != "yes" {
			t.Errorf("row %v should verify", row)
		}
		if row[6] != "eu-north" || row[9] != string(carbon.SourceRegionalAverage) {
			t.Errorf("row = %v", row)
		}
	}

	now := time.Now()
	if _, err := h.svc.ExportCompliance(ctx, &buf, now, now); !errors.Is(err, ErrMalformedInput) {
		t.Errorf("empty window: err = %v", err)
	}
}

func TestIssuerIdentity(t *testing.T) {
	h := newHarness(t, nil)
	iss, err := h.svc.Issuer()
	if err != nil {
		t.Fatalf("Issuer: %v", err)
	}
	if iss.DID != credential.DefaultIssuerDID || iss.VerificationMethod != credential.DefaultIssuerDID+"#key-1" {
		t.Errorf("issuer = %+v", iss)
	}
	if _, err := attest.ParsePublicKeyPEM(iss.PublicKeyPEM); err != nil {
		t.Errorf("exported key does not parse: %v", err)
	}
	if err := h.svc.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}

func TestCodeAndMessage(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrAuthentication, CodeAuthentication},
		{fmt.Errorf("%w: missing node_id", ErrMalformedInput), CodeMalformedInput},
		{ErrNotFound, CodeNotFound},
		{fmt.Errorf("%w: dial tcp 10.0.0.1:5432", ErrPersistence), CodePersistence},
		{errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.code {
			t.Errorf("Code(%v) = %s, want %s", tt.err, got, tt.code)
		}
	}
	if got := Message(fmt.Errorf("%w: dial tcp 10.0.0.1:5432", ErrPersistence)); got != "certificate store unavailable, retry later" {
		t.Errorf("persistence message = %q", got)
	}
	if got := Message(errors.New("secret provider token xyz")); got != "internal error" {
		t.Errorf("internal message = %q", got)
	}
}
