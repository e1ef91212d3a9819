// internal/agent/agent.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aceteam-ai/greencert/internal/attest"
	"github.com/aceteam-ai/greencert/internal/energy"
	"github.com/aceteam-ai/greencert/internal/retry"
	"github.com/aceteam-ai/greencert/internal/telemetry"
)

// Config holds configuration for the node agent.
type Config struct {
	// NodeID identifies this node to the oracle; required
	NodeID string

	// Hostname is reported at enrollment (optional)
	Hostname string

	// Region is the grid region the node draws power from; required
	Region string

	// ModelID is stamped on every reading; required
	ModelID string

	// Signer signs readings; required
	Signer attest.Signer

	// Sampler reads power draw; required
	Sampler energy.PowerSampler

	// Client talks to the oracle; required
	Client *Client

	// Outbox stores signed readings until delivered; required
	Outbox *Outbox

	// PollInterval is the power sampling period (default: 1s)
	PollInterval time.Duration

	// SessionLength closes a session on a timer (default: 10s; negative
	// disables the timer so only EndSession closes sessions)
	SessionLength time.Duration

	// SyncInterval is how often pending readings are retried (default: 30s)
	SyncInterval time.Duration

	// Fallback is the meter's substitute on sampler failure (default: last_known)
	Fallback energy.FallbackPolicy

	// EnrollRetry bounds enrollment attempts at startup (default: retry.DefaultPolicy)
	EnrollRetry retry.Policy

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Agent meters inference sessions and reports them to the oracle.
type Agent struct {
	cfg    Config
	meter  *energy.Meter
	syncer *Syncer
	now    func() time.Time
}

// New creates a node agent.
func New(cfg Config) (*Agent, error) {
	switch {
	case cfg.NodeID == "":
		return nil, errors.New("agent: node id is required")
	case cfg.Region == "":
		return nil, errors.New("agent: region is required")
	case cfg.ModelID == "":
		return nil, errors.New("agent: model id is required")
	case cfg.Signer == nil, cfg.Sampler == nil, cfg.Client == nil, cfg.Outbox == nil:
		return nil, errors.New("agent: signer, sampler, client and outbox are required")
	}
	if cfg.SessionLength == 0 {
		cfg.SessionLength = 10 * time.Second
	}

	a := &Agent{cfg: cfg, now: time.Now}
	a.syncer = NewSyncer(SyncerConfig{
		Outbox:   cfg.Outbox,
		SubmitFn: cfg.Client.Submit,
		Interval: cfg.SyncInterval,
		LogFn:    cfg.LogFn,
	})
	a.meter = energy.NewMeter(energy.MeterConfig{
		Sampler:      cfg.Sampler,
		PollInterval: cfg.PollInterval,
		Fallback:     cfg.Fallback,
		OnSession:    a.handleSession,
		LogFn:        cfg.LogFn,
	})
	return a, nil
}

// Run enrolls the node, then meters, signs and delivers until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Enroll(ctx); err != nil {
		return err
	}
	if n, err := a.cfg.Outbox.Resign(a.cfg.NodeID, a.cfg.Signer); err != nil {
		a.log("warning", "could not re-sign pending readings: %v", err)
	} else if n > 0 {
		a.log("info", "re-signed %d pending readings with the current key", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.meter.Start(ctx) })
	g.Go(func() error { return a.syncer.Start(ctx) })
	if a.cfg.SessionLength > 0 {
		g.Go(func() error { return a.sessionTimer(ctx) })
	}

	// Anything left over from a previous run goes out first.
	a.syncer.Kick()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Enroll registers the node's public key, retrying while the oracle is
// unreachable.
func (a *Agent) Enroll(ctx context.Context) error {
	pem, err := attest.PublicKeyPEM(a.cfg.Signer)
	if err != nil {
		return err
	}
	enrollment := Enrollment{
		NodeID:       a.cfg.NodeID,
		Hostname:     a.cfg.Hostname,
		Region:       a.cfg.Region,
		PublicKeyPEM: pem,
	}

	err = a.cfg.EnrollRetry.Do(ctx, func() error {
		err := a.cfg.Client.Enroll(ctx, enrollment)
		if errors.Is(err, ErrRejected) {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		a.log("warning", "enrollment failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	})
	if errors.Is(err, ErrRejected) {
		return fmt.Errorf("enroll node %s: %w (re-enrolling with a new key needs the enrollment token)", a.cfg.NodeID, err)
	}
	if err != nil {
		return fmt.Errorf("enroll node %s: %w", a.cfg.NodeID, err)
	}
	a.log("success", "node %s enrolled with %s (region %s)", a.cfg.NodeID, a.cfg.Client.BaseURL(), a.cfg.Region)
	return nil
}

// EndSession closes the current inference session.
func (a *Agent) EndSession() {
	a.meter.EndSession()
}

// Syncer exposes the outbox syncer.
func (a *Agent) Syncer() *Syncer {
	return a.syncer
}

func (a *Agent) sessionTimer(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.SessionLength)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.meter.EndSession()
		}
	}
}

// handleSession runs on the meter goroutine: it signs the session into a
// reading, parks it in the outbox and wakes the syncer.
func (a *Agent) handleSession(ctx context.Context, s energy.Session) {
	if s.Samples == 0 {
		return
	}
	r, err := a.Reading(s)
	if err != nil {
		a.log("error", "sign reading %s: %v", s.InferenceID, err)
		return
	}
	if err := a.cfg.Outbox.Add(r); err != nil {
		a.log("error", "store reading %s: %v", s.InferenceID, err)
		return
	}
	a.syncer.Kick()
}

// Reading builds and signs the reading for a closed session.
func (a *Agent) Reading(s energy.Session) (telemetry.Reading, error) {
	ts := s.EndedAt
	if ts.IsZero() {
		ts = a.now()
	}
	r := telemetry.Reading{
		NodeID:         a.cfg.NodeID,
		ModelID:        a.cfg.ModelID,
		InferenceID:    s.InferenceID,
		Timestamp:      ts.UTC(),
		EnergyKWh:      s.EnergyKWh,
		GPUUtilization: min(max(s.LastUtilization, 0), 100),
	}
	signed, err := attest.SignReading(a.cfg.Signer, r)
	if err != nil {
		return telemetry.Reading{}, err
	}
	if err := signed.Validate(); err != nil {
		return telemetry.Reading{}, err
	}
	return signed, nil
}

func (a *Agent) log(level, format string, args ...any) {
	if a.cfg.LogFn != nil {
		a.cfg.LogFn(level, fmt.Sprintf(format, args...))
	}
}
