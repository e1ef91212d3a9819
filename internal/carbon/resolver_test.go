package carbon

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWattTime serves /login and /index.
type fakeWattTime struct {
	logins     atomic.Int32
	indexCalls atomic.Int32
	loginCode  int
	indexCode  int
	percent    float64
	token      atomic.Value
}

func newFakeWattTime(percent float64, token string) *fakeWattTime {
	f := &fakeWattTime{percent: percent}
	f.token.Store(token)
	return f
}

func (f *fakeWattTime) currentToken() string { return f.token.Load().(string) }

func (f *fakeWattTime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		f.logins.Add(1)
		user, pass, ok := r.BasicAuth()
		if f.loginCode != 0 {
			w.WriteHeader(f.loginCode)
			return
		}
		if !ok || user != "alice" || pass != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": f.currentToken()})
	})
	mux.HandleFunc("/index", func(w http.ResponseWriter, r *http.Request) {
		f.indexCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+f.currentToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.indexCode != 0 {
			w.WriteHeader(f.indexCode)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ba": r.URL.Query().Get("ba"), "percent": f.percent})
	})
	return mux
}

func newEMapsServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Header.Get("auth-token") != "emaps-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDownServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolvePrimarySuccess(t *testing.T) {
	wt := newFakeWattTime(40, "tok-1")
	wtSrv := httptest.NewServer(wt.handler())
	defer wtSrv.Close()

	r := NewResolver(ResolverConfig{
		Primary:   NewWattTime(WattTimeConfig{BaseURL: wtSrv.URL, Username: "alice", Password: "s3cret"}),
		Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: newDownServer(t).URL, APIKey: "emaps-key"}),
	})

	s := r.Resolve(context.Background(), "us-east")
	if s.Source != SourcePrimary {
		t.Fatalf("source = %s, want primary", s.Source)
	}
	if s.Intensity != 50+40*7.5 {
		t.Errorf("intensity = %v, want %v", s.Intensity, 50+40*7.5)
	}
	if s.Provider != "watttime" {
		t.Errorf("provider = %q", s.Provider)
	}
}

func TestResolveSecondaryForNonPrimaryRegion(t *testing.T) {
	wt := newFakeWattTime(40, "tok-1")
	wtSrv := httptest.NewServer(wt.handler())
	defer wtSrv.Close()
	em := newEMapsServer(t, http.StatusOK, `{"zone":"SE","carbonIntensity":31.5}`, nil)

	r := NewResolver(ResolverConfig{
		Primary:   NewWattTime(WattTimeConfig{BaseURL: wtSrv.URL, Username: "alice", Password: "s3cret"}),
		Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: em.URL, APIKey: "emaps-key"}),
	})

	s := r.Resolve(context.Background(), "eu-north")
	if s.Source != SourceSecondary || s.Intensity != 31.5 {
		t.Fatalf("got %+v, want secondary 31.5", s)
	}
	if wt.logins.Load() != 0 {
		t.Errorf("primary contacted for non-prefixed region")
	}
}

func TestResolveBothProvidersDown(t *testing.T) {
	tests := []struct {
		region     string
		wantSource Source
		want       float64
	}{
		{region: "us-east", wantSource: SourceRegionalAverage, want: 380.5},
		{region: "eu-north", wantSource: SourceRegionalAverage, want: 45.2},
		{region: "mars-olympus", wantSource: SourceDefault, want: 429.0},
		{region: "us-alaska", wantSource: SourceDefault, want: 429.0},
	}
	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			r := NewResolver(ResolverConfig{
				Primary:   NewWattTime(WattTimeConfig{BaseURL: newDownServer(t).URL, Username: "alice", Password: "s3cret"}),
				Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: newDownServer(t).URL, APIKey: "emaps-key"}),
			})
			s := r.Resolve(context.Background(), tt.region)
			if s.Source != tt.wantSource {
				t.Errorf("source = %s, want %s", s.Source, tt.wantSource)
			}
			if s.Intensity != tt.want {
				t.Errorf("intensity = %v, want %v", s.Intensity, tt.want)
			}
		})
	}
}

func TestResolveUnreachableProviders(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := NewResolver(ResolverConfig{
		Primary:   NewWattTime(WattTimeConfig{BaseURL: url, Username: "alice", Password: "s3cret"}),
		Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: url, APIKey: "emaps-key"}),
	})
	s := r.Resolve(context.Background(), "us-east")
	if s.Source != SourceRegionalAverage || s.Intensity != 380.5 {
		t.Fatalf("got %+v, want regional_average 380.5", s)
	}
}

func TestResolveRejectsBadProviderValues(t *testing.T) {
	bodies := map[string]string{
		"zero":     `{"carbonIntensity":0}`,
		"negative": `{"carbonIntensity":-12}`,
		"missing":  `{"zone":"DE"}`,
		"garbage":  `not json`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			em := newEMapsServer(t, http.StatusOK, body, nil)
			var logs []string
			r := NewResolver(ResolverConfig{
				Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: em.URL, APIKey: "emaps-key"}),
				LogFn:     func(level, msg string) { logs = append(logs, level) },
			})
			s := r.Resolve(context.Background(), "eu-central")
			if s.Source != SourceRegionalAverage || s.Intensity != 295.4 {
				t.Errorf("got %+v, want regional_average 295.4", s)
			}
			if len(logs) == 0 || logs[0] != "warning" {
				t.Errorf("provider failure not logged as warning: %v", logs)
			}
		})
	}
}

func TestResolveWithoutCredentialsFallsThrough(t *testing.T) {
	r := NewResolver(ResolverConfig{
		Primary:   NewWattTime(WattTimeConfig{}),
		Secondary: NewElectricityMaps(ElectricityMapsConfig{}),
	})
	s := r.Resolve(context.Background(), "us-texas")
	if s.Source != SourceRegionalAverage || s.Intensity != 412.6 {
		t.Fatalf("got %+v, want regional_average 412.6", s)
	}
}

func TestWattTimeLoginOnceUnderConcurrency(t *testing.T) {
	wt := newFakeWattTime(10, "tok-shared")
	srv := httptest.NewServer(wt.handler())
	defer srv.Close()

	client := NewWattTime(WattTimeConfig{BaseURL: srv.URL, Username: "alice", Password: "s3cret"})

	var wg sync.WaitGroup
	for n := 0; n < 25; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Intensity(context.Background(), "PJM"); err != nil {
				t.Errorf("Intensity() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := wt.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
	if got := wt.indexCalls.Load(); got != 25 {
		t.Errorf("index calls = %d, want 25", got)
	}
}

func TestWattTimeFailedLoginCoolsDown(t *testing.T) {
	wt := newFakeWattTime(0, "tok")
	wt.loginCode = http.StatusInternalServerError
	srv := httptest.NewServer(wt.handler())
	defer srv.Close()

	client := NewWattTime(WattTimeConfig{BaseURL: srv.URL, Username: "alice", Password: "s3cret", LoginCooldown: time.Hour})

	if _, err := client.Intensity(context.Background(), "PJM"); err == nil {
		t.Fatal("first call succeeded with failing login")
	}
	_, err := client.Intensity(context.Background(), "PJM")
	if err != ErrLoginCooldown {
		t.Fatalf("second call error = %v, want ErrLoginCooldown", err)
	}
	if got := wt.logins.Load(); got != 1 {
		t.Errorf("logins = %d, want 1", got)
	}
}

func TestWattTimeUnauthorizedDropsToken(t *testing.T) {
	wt := newFakeWattTime(20, "tok-a")
	srv := httptest.NewServer(wt.handler())
	defer srv.Close()

	client := NewWattTime(WattTimeConfig{BaseURL: srv.URL, Username: "alice", Password: "s3cret"})
	if _, err := client.Intensity(context.Background(), "CAISO"); err != nil {
		t.Fatalf("Intensity() error = %v", err)
	}

	// Server rotates its token; the cached one is now rejected.
	wt.token.Store("tok-b")
	if _, err := client.Intensity(context.Background(), "CAISO"); err != ErrUnauthorized {
		t.Fatalf("Intensity() error = %v, want ErrUnauthorized", err)
	}
	if _, err := client.Intensity(context.Background(), "CAISO"); err != nil {
		t.Fatalf("Intensity() after relogin error = %v", err)
	}
	if got := wt.logins.Load(); got != 2 {
		t.Errorf("logins = %d, want 2", got)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	em := newEMapsServer(t, http.StatusBadGateway, "", &hits)

	r := NewResolver(ResolverConfig{
		Secondary:       NewElectricityMaps(ElectricityMapsConfig{BaseURL: em.URL, APIKey: "emaps-key"}),
		BreakerFailures: 2,
		BreakerCooldown: time.Hour,
	})
	for n := 0; n < 5; n++ {
		if s := r.Resolve(context.Background(), "eu-west"); s.Intensity != 210.6 {
			t.Fatalf("resolve %d = %+v", n, s)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("provider hits = %d, want 2 (circuit open after)", got)
	}
}

// scriptedProvider returns err until it is cleared, then 300 gCO2/kWh.
type scriptedProvider struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *scriptedProvider) Intensity(ctx context.Context, _ string) (float64, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	return 300, nil
}

func TestBreakerIgnoresCooldownAndCancellation(t *testing.T) {
	p := &scriptedProvider{err: ErrLoginCooldown}
	r := NewResolver(ResolverConfig{
		Secondary:       p,
		BreakerFailures: 1,
		BreakerCooldown: time.Hour,
	})

	for n := 0; n < 3; n++ {
		r.Resolve(context.Background(), "eu-west")
	}
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for n := 0; n < 3; n++ {
		r.Resolve(canceled, "eu-west")
	}

	p.setErr(nil)
	s := r.Resolve(context.Background(), "eu-west")
	if s.Source != SourceSecondary || s.Intensity != 300 {
		t.Errorf("sample = %+v, want the provider's value with the circuit still closed", s)
	}
	if got := p.calls.Load(); got != 7 {
		t.Errorf("provider calls = %d, want 7", got)
	}
}

func TestHungProviderIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := NewResolver(ResolverConfig{
		Secondary: NewElectricityMaps(ElectricityMapsConfig{BaseURL: srv.URL, APIKey: "emaps-key"}),
		Timeout:   50 * time.Millisecond,
	})

	start := time.Now()
	s := r.Resolve(context.Background(), "eu-central")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("resolve took %s, want bounded by timeout", elapsed)
	}
	if s.Source != SourceRegionalAverage {
		t.Errorf("source = %s, want regional_average", s.Source)
	}
}

func TestResolverCopiesTables(t *testing.T) {
	tables := DefaultTables()
	r := NewResolver(ResolverConfig{Tables: &tables})

	tables.RegionalAverages["us-east"] = 1
	delete(tables.RegionalAverages, DefaultRegion)

	if s := r.Resolve(context.Background(), "us-east"); s.Intensity != 380.5 {
		t.Errorf("us-east = %v after caller mutation, want 380.5", s.Intensity)
	}
	if s := r.Resolve(context.Background(), "nowhere"); s.Intensity != 429.0 {
		t.Errorf("default = %v after caller mutation, want 429", s.Intensity)
	}
}

func TestResolverDropsNonPositiveAverages(t *testing.T) {
	tables := DefaultTables()
	tables.RegionalAverages["us-east"] = 0
	tables.RegionalAverages["eu-west"] = math.NaN()
	tables.RegionalAverages[DefaultRegion] = -5

	var warnings int
	r := NewResolver(ResolverConfig{Tables: &tables, LogFn: func(level, msg string) {
		if level == "warning" {
			warnings++
		}
	}})

	for _, region := range []string{"us-east", "eu-west"} {
		s := r.Resolve(context.Background(), region)
		if s.Intensity != 429.0 || s.Source != SourceDefault {
			t.Errorf("%s = %+v, want the built-in default row", region, s)
		}
		if r.KnownRegion(region) {
			t.Errorf("%s should no longer be a known region", region)
		}
	}
	if s := r.Resolve(context.Background(), "us-west"); s.Intensity != 245.3 {
		t.Errorf("us-west = %v, want 245.3", s.Intensity)
	}
	if warnings != 2 {
		t.Errorf("warnings = %d, want 2", warnings)
	}
}

func TestTablesLookups(t *testing.T) {
	tables := DefaultTables()
	if got := tables.BalancingAuthority("US-West"); got != "CAISO" {
		t.Errorf("BalancingAuthority(US-West) = %q", got)
	}
	if got := tables.BalancingAuthority("us-hawaii"); got != "PJM" {
		t.Errorf("BalancingAuthority(unmapped) = %q, want PJM", got)
	}
	if got := tables.Zone("eu-west"); got != "FR" {
		t.Errorf("Zone(eu-west) = %q", got)
	}
	if got := tables.Zone("asia-east"); got != "US-NY" {
		t.Errorf("Zone(unmapped) = %q, want US-NY", got)
	}
	if tables.Known(DefaultRegion) {
		t.Error("default row reported as a known region")
	}
}
