// internal/energy/meter.go
package energy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// PowerSampler reads instantaneous power draw (watts) and GPU utilization (%).
type PowerSampler interface {
	Name() string
	Sample(ctx context.Context) (watts, utilization float64, err error)
}

// FallbackPolicy selects the substitute reading used when the sampler fails.
type FallbackPolicy string

const (
	// FallbackLastKnown reuses the most recent successful sample
	FallbackLastKnown FallbackPolicy = "last_known"

	// FallbackZero records zero watts for the failed poll
	FallbackZero FallbackPolicy = "zero"
)

// SessionHandler receives each closed session. It runs on the polling
// goroutine, so it should hand work off rather than block.
type SessionHandler func(ctx context.Context, s Session)

// MeterConfig holds configuration for the polling meter.
type MeterConfig struct {
	// Sampler reads power; required
	Sampler PowerSampler

	// Integrator accumulates energy (default: NewIntegrator())
	Integrator *Integrator

	// PollInterval is the fixed integration step (default: 1s)
	PollInterval time.Duration

	// Fallback is used when a sample fails (default: last_known)
	Fallback FallbackPolicy

	// OnSession is called at every session boundary (optional)
	OnSession SessionHandler

	// LogFn is called for log messages (optional)
	LogFn func(level, msg string)
}

// Meter polls a PowerSampler on a fixed period and integrates the readings.
// Session boundaries are declared from outside via EndSession.
type Meter struct {
	sampler    PowerSampler
	integrator *Integrator
	interval   time.Duration
	fallback   FallbackPolicy
	onSession  SessionHandler
	logFn      func(level, msg string)

	boundary  chan struct{}
	lastWatts float64
	lastUtil  float64
	failures  atomic.Int64
}

// NewMeter creates a new meter.
func NewMeter(cfg MeterConfig) *Meter {
	if cfg.Integrator == nil {
		cfg.Integrator = NewIntegrator()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackLastKnown
	}
	return &Meter{
		sampler:    cfg.Sampler,
		integrator: cfg.Integrator,
		interval:   cfg.PollInterval,
		fallback:   cfg.Fallback,
		onSession:  cfg.OnSession,
		logFn:      cfg.LogFn,
		boundary:   make(chan struct{}, 1),
	}
}

// Start runs the polling loop until the context is cancelled.
func (m *Meter) Start(ctx context.Context) error {
	m.log("info", "energy meter started (sampler: %s, interval: %s)", m.sampler.Name(), m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.PollOnce(ctx)
		case <-m.boundary:
			m.flush(ctx)
		}
	}
}

// EndSession declares a session boundary. Multiple calls before the loop
// observes the first one collapse into a single boundary.
func (m *Meter) EndSession() {
	select {
	case m.boundary <- struct{}{}:
	default:
	}
}

// PollOnce reads one sample and integrates it. Exported for testing.
func (m *Meter) PollOnce(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	watts, util, err := m.sampler.Sample(sampleCtx)
	if err != nil {
		n := m.failures.Add(1)
		watts, util = m.substitute()
		m.log("warning", "power sample failed (%d so far), using %s reading %.1fW: %v", n, m.fallback, watts, err)
	} else {
		if watts < 0 {
			watts = 0
		}
		m.lastWatts, m.lastUtil = watts, util
	}

	m.integrator.Observe(watts, util, m.interval)
}

// Flush closes the current session immediately. Exported for testing.
func (m *Meter) Flush(ctx context.Context) Session {
	return m.flush(ctx)
}

// Integrator returns the meter's accumulator.
func (m *Meter) Integrator() *Integrator {
	return m.integrator
}

// Failures returns the number of failed samples since start. Safe to call
// while the meter is running.
func (m *Meter) Failures() int64 {
	return m.failures.Load()
}

func (m *Meter) flush(ctx context.Context) Session {
	s := m.integrator.Flush()
	m.log("info", "session %s closed: %.6f kWh over %d samples", s.InferenceID, s.EnergyKWh, s.Samples)
	if m.onSession != nil {
		m.onSession(ctx, s)
	}
	return s
}

func (m *Meter) substitute() (float64, float64) {
	if m.fallback == FallbackZero {
		return 0, 0
	}
	return m.lastWatts, m.lastUtil
}

func (m *Meter) log(level, format string, args ...any) {
	if m.logFn != nil {
		m.logFn(level, fmt.Sprintf(format, args...))
	}
}
