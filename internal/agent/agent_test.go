// internal/agent/agent_test.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/energy"
	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

var (
	signerOnce sync.Once
	testSigner *attest.SoftwareSigner
	signerErr  error
)

func signer(t *testing.T) *attest.SoftwareSigner {
	t.Helper()
	signerOnce.Do(func() { testSigner, signerErr = attest.NewEphemeralSigner() })
	if signerErr != nil {
		t.Fatalf("NewEphemeralSigner: %v", signerErr)
	}
	return testSigner
}

// fakeOracle verifies readings against the enrolled key the way the real
// oracle does, and can be told to fail.
type fakeOracle struct {
	mu        sync.Mutex
	publicKey string
	readings  map[string]telemetry.Reading
	down      atomic.Bool
	enrolls   atomic.Int32
	token     string
}

func newFakeOracle(t *testing.T) (*fakeOracle, *httptest.Server) {
	f := &fakeOracle{readings: make(map[string]telemetry.Reading)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes", func(w http.ResponseWriter, r *http.Request) {
		f.enrolls.Add(1)
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if token := f.enrollmentToken(); token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"enrollment_forbidden","message":"valid enrollment token required"}}`))
			return
		}
		var e Enrollment
		json.NewDecoder(r.Body).Decode(&e)
		f.mu.Lock()
		f.publicKey = e.PublicKeyPEM
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /api/v1/telemetry", func(w http.ResponseWriter, r *http.Request) {
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"code":"persistence_unavailable","message":"certificate store unavailable, retry later"}}`))
			return
		}
		var reading telemetry.Reading
		if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if !attest.VerifyReading(reading, f.publicKey) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"authentication_failed","message":"reading signature could not be verified"}}`))
			return
		}
		status := http.StatusCreated
		if _, ok := f.readings[reading.InferenceID]; ok {
			status = http.StatusOK
		}
		f.readings[reading.InferenceID] = reading
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"certificate_id":       "cert-" + reading.InferenceID,
			"inference_id":         reading.InferenceID,
			"total_emissions_gco2": reading.EnergyKWh * 380.5,
			"carbon_source":        "regional_average",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOracle) setToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func (f *fakeOracle) enrollmentToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeOracle) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.readings)
}

type constSampler struct{ watts float64 }

func (c constSampler) Name() string { return "const" }
func (c constSampler) Sample(context.Context) (float64, float64, error) {
	return c.watts, 80, nil
}

func openOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("OpenOutbox: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func newAgent(t *testing.T, srv *httptest.Server, outbox *Outbox) *Agent {
	t.Helper()
	a, err := New(Config{
		NodeID:        "gpu-1",
		Region:        "us-east",
		ModelID:       "llama-3-8b",
		Signer:        signer(t),
		Sampler:       constSampler{watts: 300},
		Client:        NewClient(ClientConfig{BaseURL: srv.URL}),
		Outbox:        outbox,
		PollInterval:  time.Second,
		SessionLength: -1,
		EnrollRetry:   retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func reading(t *testing.T, id string) telemetry.Reading {
	t.Helper()
	r, err := attest.SignReading(signer(t), telemetry.Reading{
		NodeID:         "gpu-1",
		ModelID:        "llama-3-8b",
		InferenceID:    id,
		Timestamp:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		EnergyKWh:      0.000833,
		GPUUtilization: 80,
	})
	if err != nil {
		t.Fatalf("SignReading: %v", err)
	}
	return r
}

func TestNewRequiresFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no node", Config{Region: "us-east", ModelID: "m"}},
		{"no region", Config{NodeID: "n", ModelID: "m"}},
		{"no model", Config{NodeID: "n", Region: "us-east"}},
		{"no signer", Config{NodeID: "n", Region: "us-east", ModelID: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestClientClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrRejected},
		{http.StatusUnprocessableEntity, ErrRejected},
		{http.StatusRequestEntityTooLarge, ErrRejected},
		{http.StatusServiceUnavailable, ErrUnavailable},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusTooManyRequests, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"code":"x","message":"y"}}`))
			}))
			defer srv.Close()

			_, err := NewClient(ClientConfig{BaseURL: srv.URL}).Submit(context.Background(), reading(t, "inf"))
			if !errors.Is(err, tt.want) {
				t.Errorf("Submit() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second}).Submit(context.Background(), reading(t, "inf"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Submit() = %v, want ErrUnavailable", err)
	}
}

func TestClientSendsEnrollmentToken(t *testing.T) {
	f, srv := newFakeOracle(t)
	f.setToken("s3cret")

	err := NewClient(ClientConfig{BaseURL: srv.URL}).Enroll(context.Background(), Enrollment{NodeID: "gpu-1", Region: "us-east"})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Enroll() without token = %v, want ErrRejected", err)
	}
	err = NewClient(ClientConfig{BaseURL: srv.URL + "/", EnrollmentToken: "s3cret"}).Enroll(context.Background(), Enrollment{NodeID: "gpu-1", Region: "us-east"})
	if err != nil {
		t.Errorf("Enroll() with token = %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	o := openOutbox(t)

	for _, id := range []string{"inf-1", "inf-2", "inf-3"} {
		if err := o.Add(reading(t, id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	// Duplicates are ignored.
	if err := o.Add(reading(t, "inf-1")); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}

	pending, err := o.Pending(10)
	if err != nil || len(pending) != 3 {
		t.Fatalf("Pending() = %d entries, %v", len(pending), err)
	}
	if pending[0].Reading.InferenceID != "inf-1" || pending[0].Reading.Signature == "" {
		t.Errorf("first pending = %+v", pending[0].Reading)
	}

	o.MarkDelivered(pending[0].ID, "cert-1")
	o.MarkRejected(pending[1].ID, "bad signature")
	o.RecordFailure(pending[2].ID, "connection refused")

	counts, err := o.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[StatusPending] != 1 || counts[StatusDelivered] != 1 || counts[StatusRejected] != 1 {
		t.Errorf("counts = %v", counts)
	}

	e, err := o.Get("inf-3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Attempts != 1 || e.LastError != "connection refused" || e.Status != StatusPending {
		t.Errorf("entry = %+v", e)
	}
	if _, err := o.Get("missing"); err == nil {
		t.Error("Get(missing) succeeded")
	}
}

func TestSyncerDeliversRejectsAndRetries(t *testing.T) {
	f, srv := newFakeOracle(t)
	client := NewClient(ClientConfig{BaseURL: srv.URL})
	pem, _ := attest.PublicKeyPEM(signer(t))
	if err := client.Enroll(context.Background(), Enrollment{NodeID: "gpu-1", Region: "us-east", PublicKeyPEM: pem}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	o := openOutbox(t)
	s := NewSyncer(SyncerConfig{Outbox: o, SubmitFn: client.Submit})

	good := reading(t, "inf-good")
	tampered := reading(t, "inf-tampered")
	tampered.EnergyKWh = 99
	o.Add(good)
	o.Add(tampered)

	res := s.SyncOnce(context.Background())
	if res.Delivered != 1 || res.Rejected != 1 {
		t.Fatalf("SyncOnce() = %+v", res)
	}
	e, _ := o.Get("inf-good")
	if e.Status != StatusDelivered || e.CertificateID != "cert-inf-good" {
		t.Errorf("good entry = %+v", e)
	}
	e, _ = o.Get("inf-tampered")
	if e.Status != StatusRejected {
		t.Errorf("tampered entry status = %s, want rejected", e.Status)
	}

	// Oracle outage: entries stay pending and go out once it recovers.
	f.down.Store(true)
	o.Add(reading(t, "inf-later"))
	o.Add(reading(t, "inf-later-2"))
	res = s.SyncOnce(context.Background())
	if res.Failed != 1 || res.Delivered != 0 {
		t.Errorf("SyncOnce() during outage = %+v, want one failure and an early stop", res)
	}

	f.down.Store(false)
	res = s.SyncOnce(context.Background())
	if res.Delivered != 2 {
		t.Errorf("SyncOnce() after recovery = %+v", res)
	}
	if f.count() != 3 {
		t.Errorf("oracle holds %d readings, want 3", f.count())
	}
	if pending, _ := o.Pending(10); len(pending) != 0 {
		t.Errorf("%d entries still pending", len(pending))
	}
}

func TestAgentSessionProducesVerifiableReading(t *testing.T) {
	f, srv := newFakeOracle(t)
	o := openOutbox(t)
	a := newAgent(t, srv, o)

	if err := a.Enroll(context.Background()); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	ten := energy.Session{InferenceID: "inf-session", EnergyKWh: 300.0 * 10 / 3_600_000, Samples: 10, LastUtilization: 80}
	a.handleSession(context.Background(), ten)
	// Sessions without samples are skipped.
	a.handleSession(context.Background(), energy.Session{InferenceID: "inf-empty"})

	e, err := o.Get("inf-session")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	pem, _ := attest.PublicKeyPEM(signer(t))
	if !attest.VerifyReading(e.Reading, pem) {
		t.Error("stored reading does not verify under the node key")
	}
	if e.Reading.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp not UTC: %v", e.Reading.Timestamp)
	}
	if _, err := o.Get("inf-empty"); err == nil {
		t.Error("empty session was stored")
	}

	if res := a.Syncer().SyncOnce(context.Background()); res.Delivered != 1 {
		t.Errorf("SyncOnce() = %+v", res)
	}
	if f.count() != 1 {
		t.Errorf("oracle holds %d readings", f.count())
	}
}

func TestAgentEnrollRetriesThenGivesUp(t *testing.T) {
	f, srv := newFakeOracle(t)
	f.down.Store(true)
	a := newAgent(t, srv, openOutbox(t))

	err := a.Enroll(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Enroll() = %v, want ErrUnavailable", err)
	}
	if n := f.enrolls.Load(); n != 3 {
		t.Errorf("enroll attempts = %d, want 3", n)
	}

	f.down.Store(false)
	f.setToken("required")
	f.enrolls.Store(0)
	err = a.Enroll(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Enroll() = %v, want ErrRejected", err)
	}
	if n := f.enrolls.Load(); n != 1 {
		t.Errorf("rejected enrollment attempts = %d, want 1", n)
	}
}

func TestAgentRunEndsSessionOnDemand(t *testing.T) {
	f, srv := newFakeOracle(t)
	o := openOutbox(t)
	a, err := New(Config{
		NodeID:        "gpu-1",
		Region:        "us-east",
		ModelID:       "llama-3-8b",
		Signer:        signer(t),
		Sampler:       constSampler{watts: 300},
		Client:        NewClient(ClientConfig{BaseURL: srv.URL}),
		Outbox:        o,
		PollInterval:  10 * time.Millisecond,
		SessionLength: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	a.EndSession()

	deadline := time.Now().Add(3 * time.Second)
	for f.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.count() != 1 {
		t.Errorf("oracle holds %d readings, want 1", f.count())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentRestartResignsPendingReadings(t *testing.T) {
	_, srv := newFakeOracle(t)
	o := openOutbox(t)

	// Left over from a run whose key is gone.
	if err := o.Add(reading(t, "inf-old")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	foreign := reading(t, "inf-foreign")
	foreign.NodeID = "gpu-2"
	if err := o.Add(foreign); err != nil {
		t.Fatalf("Add: %v", err)
	}

	restarted, err := attest.NewEphemeralSigner()
	if err != nil {
		t.Fatalf("NewEphemeralSigner: %v", err)
	}
	a, err := New(Config{
		NodeID:        "gpu-1",
		Region:        "us-east",
		ModelID:       "llama-3-8b",
		Signer:        restarted,
		Sampler:       constSampler{watts: 300},
		Client:        NewClient(ClientConfig{BaseURL: srv.URL}),
		Outbox:        o,
		PollInterval:  time.Hour,
		SessionLength: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		e, err := o.Get("inf-old")
		if err == nil && e.Status == StatusDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leftover reading not delivered after restart: %+v", e)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	e, _ := o.Get("inf-old")
	pem, _ := attest.PublicKeyPEM(restarted)
	if !attest.VerifyReading(e.Reading, pem) {
		t.Error("delivered reading is not signed with the current key")
	}
	if e, _ := o.Get("inf-foreign"); e.Reading.Signature != foreign.Signature {
		t.Error("readings of another node must not be re-signed")
	}
}

func TestOutboxResignSkipsDelivered(t *testing.T) {
	o := openOutbox(t)
	o.Add(reading(t, "inf-1"))
	o.Add(reading(t, "inf-2"))
	first, _ := o.Get("inf-1")
	o.MarkDelivered(first.ID, "cert-1")

	n, err := o.Resign("gpu-1", signer(t))
	if err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if n != 1 {
		t.Errorf("Resign() = %d, want 1", n)
	}
	if e, _ := o.Get("inf-1"); e.Reading.Signature != first.Reading.Signature {
		t.Error("delivered reading was re-signed")
	}
}
